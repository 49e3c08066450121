package experiment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/broadcast-lab/internal/domain"
)

// DeliveryResult is the summary every delivery run returns. The engine
// favors best-effort completion: per-recipient failures are recorded and
// counted, never escalated to abort the batch.
type DeliveryResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Deliverer sends variant content to assigned recipients, strictly
// sequentially, pausing for the configured throttle between items. Each
// item's outcome is flushed individually so partial progress survives a
// crash: unprocessed assignments stay pending and a fresh invocation can
// re-select them.
type Deliverer struct {
	repo      Repository
	transport Transport
	renderer  Renderer
	throttle  time.Duration
	now       func() time.Time
}

// NewDeliverer creates a delivery coordinator. A nil renderer disables
// personalization; a zero throttle disables pacing.
func NewDeliverer(repo Repository, transport Transport, renderer Renderer, throttle time.Duration) *Deliverer {
	return &Deliverer{
		repo:      repo,
		transport: transport,
		renderer:  renderer,
		throttle:  throttle,
		now:       time.Now,
	}
}

// Deliver processes the given assignments once, in the order supplied.
// Cancellation is cooperative: the context is checked between items, never
// mid-send. Returns the summary of everything processed before stopping;
// the error is non-nil only for cancellation or loss of the store.
func (d *Deliverer) Deliver(ctx context.Context, t *domain.Test, variants []domain.Variant, assignments []domain.Assignment) (*DeliveryResult, error) {
	byID := make(map[uuid.UUID]*domain.Variant, len(variants))
	for i := range variants {
		byID[variants[i].ID] = &variants[i]
	}

	res := &DeliveryResult{Total: len(assignments)}
	for i := range assignments {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		a := &assignments[i]
		v, ok := byID[a.VariantID]
		if !ok {
			if err := d.failItem(ctx, res, a, fmt.Errorf("variant %s not found", a.VariantID)); err != nil {
				return res, err
			}
			continue
		}
		if a.ChatID == 0 {
			if err := d.failItem(ctx, res, a, errors.New("recipient has no chat")); err != nil {
				return res, err
			}
			continue
		}

		msg := d.buildMessage(t, v, a)
		_, sendErr := d.transport.Send(ctx, a.ChatID, msg)
		if sendErr != nil {
			if errors.Is(sendErr, ErrUnreachable) {
				// Dead recipient: record the signal so analytics and future
				// audience resolution can see it, then move on.
				d.recordEvent(ctx, a, domain.EventBlocked)
			}
			if err := d.failItem(ctx, res, a, sendErr); err != nil {
				return res, err
			}
			if err := d.pause(ctx); err != nil {
				return res, err
			}
			continue
		}

		sentAt := d.now().UTC()
		if err := d.repo.MarkAssignmentSent(ctx, a.ID, sentAt); err != nil {
			return res, fmt.Errorf("flush sent status: %w", err)
		}
		d.recordEvent(ctx, a, domain.EventDelivered)
		res.Sent++

		if err := d.pause(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// DeliverPending re-selects the test's pending assignments and processes
// them. Used to resume a run that crashed or was cancelled mid-batch.
func (d *Deliverer) DeliverPending(ctx context.Context, t *domain.Test) (*DeliveryResult, error) {
	variants, err := d.repo.ListVariants(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	pending, err := d.repo.ListAssignments(ctx, t.ID, domain.DeliveryPending)
	if err != nil {
		return nil, fmt.Errorf("load pending assignments: %w", err)
	}
	return d.Deliver(ctx, t, variants, pending)
}

func (d *Deliverer) failItem(ctx context.Context, res *DeliveryResult, a *domain.Assignment, cause error) error {
	if err := d.repo.MarkAssignmentFailed(ctx, a.ID, d.now().UTC(), cause.Error()); err != nil {
		return fmt.Errorf("flush failed status: %w", err)
	}
	res.Failed++
	log.Printf("[experiment.Deliverer] Test %s assignment %s failed: %v", a.TestID, a.ID, cause)
	return nil
}

// recordEvent writes a deduplicated event; duplicates are silently ignored
// so re-delivery attempts never double-count.
func (d *Deliverer) recordEvent(ctx context.Context, a *domain.Assignment, et domain.EventType) {
	_, err := d.repo.RecordEvent(ctx, &domain.Event{
		ID:           uuid.New(),
		TestID:       a.TestID,
		VariantID:    a.VariantID,
		AssignmentID: a.ID,
		UserID:       a.UserID,
		Type:         et,
		OccurredAt:   d.now().UTC(),
	})
	if err != nil {
		log.Printf("[experiment.Deliverer] record %s event for %s: %v", et, a.ID, err)
	}
}

func (d *Deliverer) pause(ctx context.Context) error {
	if d.throttle <= 0 {
		return nil
	}
	timer := time.NewTimer(d.throttle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Deliverer) buildMessage(t *domain.Test, v *domain.Variant, a *domain.Assignment) Message {
	text := v.Body
	if v.Title != "" {
		text = v.Title + "\n\n" + v.Body
	}
	if d.renderer != nil {
		text = d.renderer.Render(text, map[string]interface{}{
			"user_id": a.UserID,
			"variant": v.Code,
			"test":    t.Name,
		})
	}
	return Message{
		Text:    text,
		Media:   v.Media,
		Buttons: TagButtons(v.Buttons, t.ID, v.Code),
	}
}

// TagButtons stamps every click target with the test and variant identity
// so clicks can be attributed later. URL targets get query parameters;
// action tokens get an "ab:" prefix with the identifiers embedded.
func TagButtons(buttons []domain.Button, testID uuid.UUID, code string) []domain.Button {
	if len(buttons) == 0 {
		return nil
	}
	tagged := make([]domain.Button, len(buttons))
	for i, b := range buttons {
		tb := b
		if b.URL != "" {
			tb.URL = tagURL(b.URL, testID, code)
		} else if b.Action != "" && !strings.HasPrefix(b.Action, "ab:") {
			tb.Action = fmt.Sprintf("ab:%s:%s:%s", testID, code, b.Action)
		}
		tagged[i] = tb
	}
	return tagged
}

func tagURL(raw string, testID uuid.UUID, code string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("ab_test", testID.String())
	q.Set("ab_variant", code)
	u.RawQuery = q.Encode()
	return u.String()
}
