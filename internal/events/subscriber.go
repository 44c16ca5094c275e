package events

import "context"

// Handler receives an envelope addressed to userID.
type Handler func(userID string, env Envelope)

// Bus fans events out to the connections of their recipients, possibly on
// other server instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope, userIDs ...string) error
	Subscribe(handler Handler)
	Start(ctx context.Context) error
	Stop() error
}
