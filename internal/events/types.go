package events

// Type names a realtime event on the wire. Server pushes and client emits
// share one namespace.
type Type string

// Server to client
const (
	PresenceUpdate      Type = "presence:update"
	Typing              Type = "typing"
	TypingStop          Type = "typing:stop"
	MessageNew          Type = "message:new"
	MessageDelivered    Type = "message:delivered"
	MessagesRead        Type = "messages:read"
	ConversationCleared Type = "conversation:cleared"
	Pong                Type = "pong"
	Error               Type = "error"
)

// Client to server. Typing, TypingStop and MessageDelivered are also sent by
// the client with a directional payload.
const (
	PresenceRequest Type = "presence:request"
	Ping            Type = "ping"
)

// ChannelPrefixUser prefixes the Redis pub/sub channel of each user.
const ChannelPrefixUser = "channel:user:"
