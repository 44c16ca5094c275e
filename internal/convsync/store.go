package convsync

import (
	"sort"

	"shelfmate/internal/domain/message"
	"shelfmate/internal/e2ee"
)

// Phase is the lifecycle of one conversation's local state.
type Phase int

const (
	PhaseEmpty Phase = iota
	// PhaseHydrated: seeded from the REST history.
	PhaseHydrated
	// PhaseLive: at least one push event applied on top of the history.
	PhaseLive
)

func (p Phase) String() string {
	switch p {
	case PhaseHydrated:
		return "hydrated"
	case PhaseLive:
		return "live"
	}
	return "empty"
}

// Outgoing is the lifecycle of a locally sent message.
type Outgoing int

const (
	OutgoingNone Outgoing = iota
	OutgoingPending
	OutgoingConfirmed
	OutgoingFailed
)

type entry struct {
	msg      message.Message
	outgoing Outgoing
	seq      uint64
	// prepared payload of a pending send, used to match its own echo
	prepared bool
	sentBody string
	sentCT   []byte
}

// convState is everything known about the conversation with one peer.
type convState struct {
	peerID         string
	conversationID string
	phase          Phase
	entries        map[string]*entry
	peerTyping     bool
	peerKey        *e2ee.JWK
}

func newConvState(peerID string) *convState {
	return &convState{peerID: peerID, entries: map[string]*entry{}}
}

// merge folds a later observation of an already known message into e.
// Content is immutable once sent; only status and its timestamps move.
func (e *entry) merge(m message.Message) bool {
	changed := false
	if next := e.msg.Status.Advance(m.Status); next != e.msg.Status {
		e.msg.Status = next
		changed = true
	}
	if e.msg.DeliveredAt == nil && m.DeliveredAt != nil {
		e.msg.DeliveredAt = m.DeliveredAt
		changed = true
	}
	if e.msg.ReadAt == nil && m.ReadAt != nil {
		e.msg.ReadAt = m.ReadAt
		changed = true
	}
	if e.msg.ConversationID == "" && m.ConversationID != "" {
		e.msg.ConversationID = m.ConversationID
		changed = true
	}
	return changed
}

// sorted returns the render order: confirmed messages by (createdAt, id),
// then pending sends in the order they were made.
func (c *convState) sorted() []*entry {
	out := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ap, bp := a.msg.IsTemporary(), b.msg.IsTemporary()
		if ap != bp {
			return bp
		}
		if ap {
			return a.seq < b.seq
		}
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.msg.ID < b.msg.ID
	})
	return out
}

// pendingEcho finds the oldest prepared pending send whose payload matches
// the server record m.
func (c *convState) pendingEcho(m message.Message) *entry {
	var best *entry
	for _, e := range c.entries {
		if e.outgoing != OutgoingPending || !e.prepared {
			continue
		}
		if m.Encrypted() {
			if string(e.sentCT) != string(m.Ciphertext) {
				continue
			}
		} else if len(e.sentCT) > 0 || e.sentBody != m.Body {
			continue
		}
		if best == nil || e.seq < best.seq {
			best = e
		}
	}
	return best
}
