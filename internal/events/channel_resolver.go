package events

import "strings"

// ChannelResolver maps recipients to pub/sub channels and back.
type ChannelResolver interface {
	ResolveChannels(userIDs ...string) []string
	UserID(channel string) (string, bool)
}

// UserChannelResolver routes every event to a per-user channel. Both peers of
// a conversation are addressed explicitly, so no conversation channels are
// needed.
type UserChannelResolver struct{}

func NewUserChannelResolver() *UserChannelResolver {
	return &UserChannelResolver{}
}

func (r *UserChannelResolver) ResolveChannels(userIDs ...string) []string {
	channels := make([]string, 0, len(userIDs))
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		channels = append(channels, ChannelPrefixUser+id)
	}
	return channels
}

func (r *UserChannelResolver) UserID(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, ChannelPrefixUser)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
