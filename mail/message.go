// Package mail defines the inbound message model and the provider-facing
// source and sender interfaces, with IMAP and SMTP implementations.
package mail

import (
	"context"
	"errors"
	"time"
)

// ErrMalformedMessage marks a message that cannot enter the pipeline, such as
// one missing a sender or a timestamp. Callers skip and report these, they
// never fail a whole batch.
var ErrMalformedMessage = errors.New("malformed message")

// Message is an immutable inbound item. It is created by intake and never
// mutated afterwards.
type Message struct {
	ID         string
	ThreadID   string
	Sender     string
	Subject    string
	BodyText   string
	ReceivedAt time.Time
	Labels     []string

	// Raw holds the original RFC 5322 bytes when the source provides them,
	// used only for archival.
	Raw []byte
}

// Validate reports whether the message carries the minimum fields the
// pipeline needs.
func (m *Message) Validate() error {
	if m.Sender == "" {
		return errors.New("missing sender")
	}
	if m.ReceivedAt.IsZero() {
		return errors.New("missing received timestamp")
	}
	return nil
}

// HasLabel reports whether the message carries the given label, compared
// exactly as received from the source.
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Source fetches new inbound messages from the mail provider.
type Source interface {
	// FetchNew returns messages received after since, up to limit. A zero
	// since means "everything unseen".
	FetchNew(ctx context.Context, since time.Time, limit int) ([]*Message, error)
}

// Sender delivers an outbound reply.
type Sender interface {
	// Send delivers body as a reply to the original message's sender.
	Send(ctx context.Context, to, subject, body string) error
}
