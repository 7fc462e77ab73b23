package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies an entry of the event taxonomy.
type EventType string

const (
	EventOrderStatusChanged        EventType = "order_status_changed"
	EventDeliveryAssigned          EventType = "delivery_assigned"
	EventOrderPickedUp             EventType = "order_picked_up"
	EventDeliveryLocationUpdated   EventType = "delivery_location_updated"
	EventDeliveryArrivedAtCustomer EventType = "delivery_arrived_at_customer"
	EventNewOrderMessage           EventType = "new_order_message"
	EventSystemAlert               EventType = "system_alert"
)

// Event is the sequenced envelope pushed to subscribers. Sequence is
// strictly increasing per order; system alerts carry no order scope and
// no sequence.
type Event struct {
	Type      EventType       `json:"type"`
	OrderID   string          `json:"order_id,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// DeliveryProgress reports whether the event belongs on the
// driver_tracking feed in addition to its order room.
func (e Event) DeliveryProgress() bool {
	switch e.Type {
	case EventDeliveryAssigned, EventOrderPickedUp,
		EventDeliveryLocationUpdated, EventDeliveryArrivedAtCustomer:
		return true
	}
	return false
}

type StatusChangedPayload struct {
	OrderID   string    `json:"order_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type DeliveryAssignedPayload struct {
	OrderID       string `json:"order_id"`
	DriverID      string `json:"driver_id"`
	DriverSummary string `json:"driver_summary,omitempty"`
}

type PickedUpPayload struct {
	OrderID   string    `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
}

type LocationPayload struct {
	OrderID   string    `json:"order_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type ArrivedPayload struct {
	OrderID   string    `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
}

type MessagePayload struct {
	OrderID    string    `json:"order_id"`
	SenderRole Role      `json:"sender_role"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

type SystemAlertPayload struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// NewEvent builds an unsequenced event for the given order and payload.
// The publisher stamps Sequence and EmittedAt before emission.
func NewEvent(t EventType, orderID string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Type: t, OrderID: orderID, Payload: data}
}

// DecodePayload unmarshals the event payload into out.
func (e Event) DecodePayload(out any) error {
	return json.Unmarshal(e.Payload, out)
}
