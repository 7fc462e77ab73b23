package domain

import (
	"strings"
	"time"
)

// Status is the canonical order lifecycle state.
type Status string

const (
	StatusNew        Status = "new"
	StatusAccepted   Status = "accepted"
	StatusPreparing  Status = "preparing"
	StatusReady      Status = "ready"
	StatusPickedUp   Status = "picked_up"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// statusAliases maps display-only synonyms onto canonical states.
// "confirmed" appears in older clients as a synonym of "accepted".
var statusAliases = map[string]Status{
	"confirmed": StatusAccepted,
}

// allowedTransitions is the order state flow as code. Cancellation is
// reachable from every non-terminal state.
var allowedTransitions = map[Status][]Status{
	StatusNew:        {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusPreparing, StatusCancelled},
	StatusPreparing:  {StatusReady, StatusCancelled},
	StatusReady:      {StatusPickedUp, StatusCancelled},
	StatusPickedUp:   {StatusDelivering, StatusCancelled},
	StatusDelivering: {StatusDelivered, StatusCancelled},
}

// ParseStatus normalizes raw input into a canonical Status. Aliases are
// resolved here so the machine itself only ever sees canonical values.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if canonical, ok := statusAliases[string(s)]; ok {
		return canonical, nil
	}
	switch s {
	case StatusNew, StatusAccepted, StatusPreparing, StatusReady,
		StatusPickedUp, StatusDelivering, StatusDelivered, StatusCancelled:
		return s, nil
	}
	return "", ErrInvalidTransition
}

// CanTransition reports whether the edge from -> to is valid.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is immutable once reached.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Order is the aggregate owned by the order store. The streaming core
// only reads it for authorization and mutates status plus the matching
// timestamp.
type Order struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	RestaurantID string     `json:"restaurant_id"`
	ClientID     string     `json:"client_id"`
	DriverID     *string    `json:"driver_id,omitempty"`
	Zone         string     `json:"zone,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	ReadyAt      *time.Time `json:"ready_at,omitempty"`
	PickedUpAt   *time.Time `json:"picked_up_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

// ApplyStatus validates and applies a transition, stamping the relevant
// timestamp. The caller persists the result; concurrent attempts on the
// same order must be serialized upstream.
func (o *Order) ApplyStatus(to Status, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return ErrInvalidTransition
	}
	o.Status = to
	switch to {
	case StatusAccepted:
		o.AcceptedAt = &now
	case StatusReady:
		o.ReadyAt = &now
	case StatusPickedUp:
		o.PickedUpAt = &now
	case StatusDelivered:
		o.DeliveredAt = &now
	case StatusCancelled:
		o.CancelledAt = &now
	}
	return nil
}
