// Package domain defines the core entities tracked by the outreach engine:
// subjects (end users moving through the funnel), queued inbound events,
// pending payment records, retry items, and delivery records. All of them
// live in the shared key-value store; the structs here are their in-process
// shape plus the JSON wire format where one exists.
package domain

import (
	"encoding/json"
	"time"
)

// Event kinds routed by the dispatch loop. Each inbound event carries an
// explicit kind tag; unknown kinds are dropped by the dispatcher.
const (
	EventStart        = "start"         // first contact / explicit restart
	EventPlanSelected = "plan_selected" // user picked a plan button
	EventBlocked      = "blocked"       // user blocked the bot
	EventMessage      = "message"       // free-form chat message
)

// Event is the envelope popped off the durable FIFO. Payload stays opaque
// to the dispatcher; handlers decode what they need.
//
// Fields:
//   - Kind: routing tag (see Event* constants).
//   - SubjectID: the user this event belongs to.
//   - ChatID: delivery channel address for replies.
//   - Username: display name, best effort.
//   - Payload: handler-specific data (e.g. plan amount, start token).
type Event struct {
	Kind      string            `json:"kind"`
	SubjectID int64             `json:"subject_id"`
	ChatID    int64             `json:"chat_id"`
	Username  string            `json:"username,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Subject is the per-user state hash. Created on first inbound event,
// mutated by handlers, never explicitly deleted (aged out via store expiry).
type Subject struct {
	ID          int64
	ChatID      int64
	Paid        bool
	Blocked     bool
	FollowupIdx int   // number of one-shot followups already fired this cycle
	BotID       int64 // owning-process tag; stale records from a prior bot are ignored
}

// PaymentRecord is the pending-payment hash keyed by subject. Status holds
// the normalized gateway status (see status.go); once StatusOK it is never
// downgraded.
type PaymentRecord struct {
	SessionID   string  // gateway checkout session id
	Identifier  string  // our order identifier (external_code)
	CheckoutURL string
	Amount      float64
	Currency    string
	Status      string
	CreatedAt   time.Time
}

// RetryItem is one queued outbound-notification retry. Attempt starts at 1
// and is incremented on every failed delivery; the item is dropped once the
// drain loop sees Attempt >= the configured maximum.
type RetryItem struct {
	Payload json.RawMessage `json:"payload"`
	Reason  string          `json:"reason"`
	Attempt int             `json:"attempt"`
}

// DeliveryRecord tracks whether the one-time access artifact has reached a
// subject, making redelivery idempotent.
type DeliveryRecord struct {
	AccessKey string
	Sent      bool
	UpdatedAt time.Time
}
