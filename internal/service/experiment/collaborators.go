package experiment

import (
	"context"
	"time"

	"github.com/ignite/broadcast-lab/internal/domain"
)

// AudienceResolver resolves a segment filter into an ordered list of
// candidate recipients. Order matters: pilot sampling takes a positional
// prefix of the resolved list.
type AudienceResolver interface {
	Resolve(ctx context.Context, filter domain.SegmentFilter) ([]domain.AudienceMember, error)
}

// Message is the rendered content handed to the transport for one recipient.
type Message struct {
	Text    string
	Media   []domain.MediaItem
	Buttons []domain.Button
}

// Receipt is the transport's acknowledgment of a sent message.
type Receipt struct {
	MessageID int64
	SentAt    time.Time
}

// Transport delivers a message to a chat. Implementations must return (or
// wrap) ErrUnreachable when the recipient cannot receive messages, so the
// delivery loop can distinguish dead recipients from transient failures.
type Transport interface {
	Send(ctx context.Context, chatID int64, msg Message) (*Receipt, error)
}

// Scheduler re-invokes guarded operations at a future time: winner selection
// after the observation window, and the drip after a winner is picked.
// Implementations may fire early or repeatedly; the lifecycle guards make
// redundant triggers harmless.
type Scheduler interface {
	Schedule(fn func(context.Context), runAt time.Time) (jobID string, err error)
	Cancel(jobID string)
}

// Renderer personalizes a variant's text for one recipient. Implementations
// must not fail the send: on render error the raw template is returned.
type Renderer interface {
	Render(tmpl string, vars map[string]interface{}) string
}
