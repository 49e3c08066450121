package domain

import (
	"time"

	"github.com/google/uuid"
)

// TestStatus enumerates the lifecycle states of an A/B test.
type TestStatus string

const (
	TestDraft        TestStatus = "draft"
	TestRunning      TestStatus = "running"
	TestObserve      TestStatus = "observe"
	TestWinnerPicked TestStatus = "winner_picked"
	TestCompleted    TestStatus = "completed"
	TestCancelled    TestStatus = "cancelled"
)

// IsTerminal returns true if the test is in a final state.
func (s TestStatus) IsTerminal() bool {
	return s == TestCompleted || s == TestCancelled
}

// Metric is the decision metric an A/B test optimizes for.
type Metric string

const (
	// MetricCTR ranks variants by click-through rate (clicks/delivered).
	MetricCTR Metric = "ctr"
	// MetricCR ranks variants by conversion rate (conversions/delivered).
	MetricCR Metric = "cr"
)

// Valid reports whether m is a supported decision metric.
func (m Metric) Valid() bool { return m == MetricCTR || m == MetricCR }

// DefaultSampleRatio is used when a test is created with a zero sample ratio.
const DefaultSampleRatio = 0.20

// Test represents one A/B experiment: two message variants trialed on a
// pilot slice of the audience, with the winner rolled out to the remainder.
type Test struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	Name             string        `json:"name" db:"name"`
	Metric           Metric        `json:"metric" db:"metric"`
	SampleRatio      float64       `json:"sample_ratio" db:"sample_ratio"`
	ObservationHours int           `json:"observation_hours" db:"observation_hours"`
	SegmentFilter    SegmentFilter `json:"segment_filter" db:"segment_filter"`
	Status           TestStatus    `json:"status" db:"status"`
	WinnerVariantID  *uuid.UUID    `json:"winner_variant_id,omitempty" db:"winner_variant_id"`
	CreatedBy        int64         `json:"created_by" db:"created_by"`

	// Populated when the pilot starts.
	AudienceSize int `json:"audience_size" db:"audience_size"`
	PilotSize    int `json:"pilot_size" db:"pilot_size"`

	// Job id of the scheduled winner-selection callback, if any.
	SelectionJobID string `json:"selection_job_id,omitempty" db:"selection_job_id"`

	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// ObserveUntil returns the end of the observation window. The zero time is
// returned if the pilot has not started.
func (t *Test) ObserveUntil() time.Time {
	if t.StartedAt == nil {
		return time.Time{}
	}
	return t.StartedAt.Add(time.Duration(t.ObservationHours) * time.Hour)
}

// SegmentFilter is an opaque attribute predicate resolved by the audience
// resolver. The engine never inspects it beyond persistence.
type SegmentFilter map[string]interface{}

// MediaItem describes one attachment sent with a variant.
type MediaItem struct {
	Type    string `json:"type"` // photo, video, document, audio, voice
	FileRef string `json:"file_ref"`
	Caption string `json:"caption,omitempty"`
}

// Button is one interactive control attached to a variant message.
// Exactly one of URL or Action is set.
type Button struct {
	Label  string `json:"label"`
	URL    string `json:"url,omitempty"`
	Action string `json:"action,omitempty"`
}

// Variant is one candidate message version within a test.
type Variant struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	TestID     uuid.UUID   `json:"test_id" db:"test_id"`
	Code       string      `json:"code" db:"code"` // unique within the test, e.g. "A"/"B"
	Title      string      `json:"title" db:"title"`
	Body       string      `json:"body" db:"body"`
	Media      []MediaItem `json:"media,omitempty" db:"media"`
	Buttons    []Button    `json:"buttons,omitempty" db:"buttons"`
	OrderIndex int         `json:"order_index" db:"order_index"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// DeliveryStatus enumerates the delivery states of an assignment.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Assignment binds one user to one variant for the life of a test.
// (TestID, UserID) is unique: a user never sees both variants.
type Assignment struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	TestID          uuid.UUID      `json:"test_id" db:"test_id"`
	VariantID       uuid.UUID      `json:"variant_id" db:"variant_id"`
	UserID          int64          `json:"user_id" db:"user_id"`
	ChatID          int64          `json:"chat_id" db:"chat_id"`
	DeliveryStatus  DeliveryStatus `json:"delivery_status" db:"delivery_status"`
	FirstDeliveryAt *time.Time     `json:"first_delivery_at,omitempty" db:"first_delivery_at"`
	SentAt          *time.Time     `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt     *time.Time     `json:"delivered_at,omitempty" db:"delivered_at"`
	FailedAt        *time.Time     `json:"failed_at,omitempty" db:"failed_at"`
	DeliveryError   string         `json:"delivery_error,omitempty" db:"delivery_error"`
	AssignedAt      time.Time      `json:"assigned_at" db:"assigned_at"`
}

// EventType enumerates the engagement events tracked per assignment.
type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventClicked      EventType = "clicked"
	EventReplied      EventType = "replied"
	EventLeadCreated  EventType = "lead_created"
	EventUnsubscribed EventType = "unsubscribed"
	EventBlocked      EventType = "blocked"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	switch e {
	case EventDelivered, EventClicked, EventReplied, EventLeadCreated, EventUnsubscribed, EventBlocked:
		return true
	}
	return false
}

// Event records one engagement signal. At most one event exists per
// (AssignmentID, EventType): recording is idempotent.
type Event struct {
	ID           uuid.UUID              `json:"id" db:"id"`
	TestID       uuid.UUID              `json:"test_id" db:"test_id"`
	VariantID    uuid.UUID              `json:"variant_id" db:"variant_id"`
	AssignmentID uuid.UUID              `json:"assignment_id" db:"assignment_id"`
	UserID       int64                  `json:"user_id" db:"user_id"`
	Type         EventType              `json:"event_type" db:"event_type"`
	OccurredAt   time.Time              `json:"occurred_at" db:"occurred_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}
