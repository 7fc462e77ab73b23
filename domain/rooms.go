package domain

import "strings"

// RoomID names a set of connections that receive the same fan-out.
type RoomID string

const (
	// RoomAdminDashboard receives every event for situational awareness.
	RoomAdminDashboard RoomID = "admin_dashboard"

	// RoomDriverTracking receives delivery-progress events for all orders.
	RoomDriverTracking RoomID = "driver_tracking"

	orderRoomPrefix = "order_"
)

// OrderRoom returns the room scoped to a single order.
func OrderRoom(orderID string) RoomID {
	return RoomID(orderRoomPrefix + orderID)
}

// OrderID extracts the order id from an order-scoped room id.
func (r RoomID) OrderID() (string, bool) {
	if !strings.HasPrefix(string(r), orderRoomPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(string(r), orderRoomPrefix)
	return id, id != ""
}

// Role classifies a connected client.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

// ParseRole validates a raw role claim.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleAdmin, RoleCustomer, RoleDriver:
		return Role(raw), nil
	}
	return "", ErrAuthFailure
}

// Identity is the authenticated principal behind a connection.
type Identity struct {
	Role      Role   `json:"role"`
	SubjectID string `json:"subject_id"`
}

// CanAccessOrder reports whether the identity may observe the order:
// its customer, its assigned driver, or any admin.
func (id Identity) CanAccessOrder(o Order) bool {
	switch id.Role {
	case RoleAdmin:
		return true
	case RoleCustomer:
		return o.ClientID == id.SubjectID
	case RoleDriver:
		return o.DriverID != nil && *o.DriverID == id.SubjectID
	}
	return false
}
