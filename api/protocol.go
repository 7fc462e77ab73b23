package api

import "encoding/json"

const requestBodyMaxSize = 64 * 1024 // 64 KiB

// Client -> server actions carried on the websocket.
const (
	ActionJoinOrder          = "join_order"
	ActionLeaveOrder         = "leave_order"
	ActionJoinAdminDashboard = "join_admin_dashboard"
	ActionTrackAllDeliveries = "track_all_deliveries"
)

// clientMessage is the envelope clients send on the socket.
type clientMessage struct {
	Action  string `json:"action"`
	OrderID string `json:"order_id,omitempty"`
}

// ackMessage confirms or refuses a client action.
type ackMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Room   string `json:"room,omitempty"`
	Error  string `json:"error,omitempty"`
}

func ackOK(action, room string) []byte {
	data, _ := json.Marshal(ackMessage{Type: "ack", Action: action, Room: room})
	return data
}

func ackError(action, msg string) []byte {
	data, _ := json.Marshal(ackMessage{Type: "error", Action: action, Error: msg})
	return data
}

// Request bodies of the order mutation endpoints.

type createOrderRequest struct {
	ClientID     string `json:"client_id"`
	RestaurantID string `json:"restaurant_id"`
	Zone         string `json:"zone,omitempty"`
}

type statusUpdateRequest struct {
	Status string `json:"status"`
}

type assignDriverRequest struct {
	DriverID      string `json:"driver_id"`
	DriverSummary string `json:"driver_summary,omitempty"`
}

type locationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type alertRequest struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// resyncResponse is the snapshot clients fetch to close a sequence gap.
type resyncResponse struct {
	Order    any    `json:"order"`
	Sequence uint64 `json:"sequence"`
}

type errorResponse struct {
	Error string `json:"error"`
}
