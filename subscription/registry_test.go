package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"order-stream/domain"
)

type fakeConn struct {
	id       string
	identity domain.Identity
	inbox    [][]byte
	full     bool
}

func (c *fakeConn) ID() string                { return c.id }
func (c *fakeConn) Identity() domain.Identity { return c.identity }

func (c *fakeConn) Send(data []byte) bool {
	if c.full {
		return false
	}
	c.inbox = append(c.inbox, data)
	return true
}

type fakeDirectory struct {
	orders map[string]domain.Order
}

func (d *fakeDirectory) GetOrder(_ context.Context, id string) (domain.Order, error) {
	o, ok := d.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func driverID(id string) *string { return &id }

func testDirectory() *fakeDirectory {
	return &fakeDirectory{orders: map[string]domain.Order{
		"o-1": {ID: "o-1", Status: domain.StatusDelivering, ClientID: "cust-1", RestaurantID: "rest-1", DriverID: driverID("drv-1")},
		"o-2": {ID: "o-2", Status: domain.StatusNew, ClientID: "cust-2", RestaurantID: "rest-1"},
	}}
}

func TestJoinAuthorization(t *testing.T) {
	reg := New(testDirectory(), nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		identity domain.Identity
		room     domain.RoomID
		wantErr  error
	}{
		{"admin any order room", domain.Identity{Role: domain.RoleAdmin, SubjectID: "adm"}, domain.OrderRoom("o-1"), nil},
		{"admin dashboard", domain.Identity{Role: domain.RoleAdmin, SubjectID: "adm"}, domain.RoomAdminDashboard, nil},
		{"customer own order", domain.Identity{Role: domain.RoleCustomer, SubjectID: "cust-1"}, domain.OrderRoom("o-1"), nil},
		{"customer foreign order", domain.Identity{Role: domain.RoleCustomer, SubjectID: "cust-1"}, domain.OrderRoom("o-2"), domain.ErrUnauthorized},
		{"customer dashboard", domain.Identity{Role: domain.RoleCustomer, SubjectID: "cust-1"}, domain.RoomAdminDashboard, domain.ErrUnauthorized},
		{"customer driver tracking", domain.Identity{Role: domain.RoleCustomer, SubjectID: "cust-1"}, domain.RoomDriverTracking, domain.ErrUnauthorized},
		{"driver assigned order", domain.Identity{Role: domain.RoleDriver, SubjectID: "drv-1"}, domain.OrderRoom("o-1"), nil},
		{"driver unassigned order", domain.Identity{Role: domain.RoleDriver, SubjectID: "drv-1"}, domain.OrderRoom("o-2"), domain.ErrUnauthorized},
		{"driver tracking", domain.Identity{Role: domain.RoleDriver, SubjectID: "drv-1"}, domain.RoomDriverTracking, nil},
		{"missing order", domain.Identity{Role: domain.RoleCustomer, SubjectID: "cust-1"}, domain.OrderRoom("nope"), domain.ErrUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &fakeConn{id: "c-" + tc.name, identity: tc.identity}
			err := reg.Join(ctx, c, tc.room)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Join(%s) err = %v, want %v", tc.room, err, tc.wantErr)
			}
		})
	}
}

func TestLeaveIdempotentAndRoomGC(t *testing.T) {
	reg := New(testDirectory(), nil)
	c := &fakeConn{id: "c-1", identity: domain.Identity{Role: domain.RoleCustomer, SubjectID: "cust-1"}}

	if err := reg.Join(context.Background(), c, domain.OrderRoom("o-1")); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := reg.RoomCount(); got != 1 {
		t.Fatalf("RoomCount = %d, want 1", got)
	}

	reg.Leave(c, domain.OrderRoom("o-1"))
	if got := reg.RoomCount(); got != 0 {
		t.Fatalf("RoomCount after leave = %d, want 0", got)
	}

	// Leaving again, or leaving a room never joined, must not panic or
	// change anything.
	reg.Leave(c, domain.OrderRoom("o-1"))
	reg.Leave(c, domain.RoomAdminDashboard)
	if got := reg.RoomCount(); got != 0 {
		t.Fatalf("RoomCount = %d, want 0", got)
	}
}

func TestRemoveConnectionClearsAllRooms(t *testing.T) {
	reg := New(testDirectory(), nil)
	admin := &fakeConn{id: "adm-1", identity: domain.Identity{Role: domain.RoleAdmin, SubjectID: "adm"}}
	ctx := context.Background()

	for _, room := range []domain.RoomID{domain.OrderRoom("o-1"), domain.OrderRoom("o-2"), domain.RoomAdminDashboard} {
		if err := reg.Join(ctx, admin, room); err != nil {
			t.Fatalf("Join(%s): %v", room, err)
		}
	}
	reg.RemoveConnection(admin)
	if got := reg.RoomCount(); got != 0 {
		t.Fatalf("RoomCount = %d, want 0", got)
	}
}

func TestFanoutRouting(t *testing.T) {
	reg := New(testDirectory(), nil)
	ctx := context.Background()

	customer := &fakeConn{id: "c-cust", identity: domain.Identity{Role: domain.RoleCustomer, SubjectID: "cust-1"}}
	admin := &fakeConn{id: "c-adm", identity: domain.Identity{Role: domain.RoleAdmin, SubjectID: "adm"}}
	driver := &fakeConn{id: "c-drv", identity: domain.Identity{Role: domain.RoleDriver, SubjectID: "drv-9"}}

	if err := reg.Join(ctx, customer, domain.OrderRoom("o-1")); err != nil {
		t.Fatalf("customer join: %v", err)
	}
	if err := reg.Join(ctx, admin, domain.RoomAdminDashboard); err != nil {
		t.Fatalf("admin join: %v", err)
	}
	if err := reg.Join(ctx, driver, domain.RoomDriverTracking); err != nil {
		t.Fatalf("driver join: %v", err)
	}

	statusEv := domain.NewEvent(domain.EventOrderStatusChanged, "o-1", domain.StatusChangedPayload{OrderID: "o-1", Status: domain.StatusPickedUp, Timestamp: time.Now().UTC()})
	statusEv.Sequence = 4
	statusEv.EmittedAt = time.Now().UTC()
	if got := reg.Fanout(statusEv); got != 2 {
		t.Fatalf("status fanout delivered %d, want 2", got)
	}
	if len(driver.inbox) != 0 {
		t.Fatalf("driver received %d non-delivery events", len(driver.inbox))
	}

	locEv := domain.NewEvent(domain.EventDeliveryLocationUpdated, "o-1", domain.LocationPayload{OrderID: "o-1", Lat: 52.1, Lng: 4.3, Timestamp: time.Now().UTC()})
	if got := reg.Fanout(locEv); got != 3 {
		t.Fatalf("location fanout delivered %d, want 3", got)
	}
	if len(driver.inbox) != 1 {
		t.Fatalf("driver received %d delivery events, want 1", len(driver.inbox))
	}

	alert := domain.NewEvent(domain.EventSystemAlert, "", domain.SystemAlertPayload{Severity: "warning", Message: "surge"})
	if got := reg.Fanout(alert); got != 1 {
		t.Fatalf("alert fanout delivered %d, want 1", got)
	}
	if len(customer.inbox) != 2 {
		t.Fatalf("customer inbox %d, want 2", len(customer.inbox))
	}
}

func TestFanoutSlowMemberIsolated(t *testing.T) {
	reg := New(testDirectory(), nil)
	ctx := context.Background()

	healthy := &fakeConn{id: "c-ok", identity: domain.Identity{Role: domain.RoleAdmin, SubjectID: "a1"}}
	stuck := &fakeConn{id: "c-stuck", identity: domain.Identity{Role: domain.RoleAdmin, SubjectID: "a2"}, full: true}
	for _, c := range []*fakeConn{healthy, stuck} {
		if err := reg.Join(ctx, c, domain.RoomAdminDashboard); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	ev := domain.NewEvent(domain.EventOrderStatusChanged, "o-1", domain.StatusChangedPayload{OrderID: "o-1", Status: domain.StatusAccepted, Timestamp: time.Now().UTC()})
	if got := reg.Fanout(ev); got != 1 {
		t.Fatalf("delivered %d, want 1", got)
	}
	if len(healthy.inbox) != 1 {
		t.Fatalf("healthy inbox %d, want 1", len(healthy.inbox))
	}
}

func TestFanoutNoDuplicateAcrossRooms(t *testing.T) {
	reg := New(testDirectory(), nil)
	ctx := context.Background()

	// An admin sitting in both the dashboard and the order room must
	// still get exactly one copy.
	admin := &fakeConn{id: "c-adm", identity: domain.Identity{Role: domain.RoleAdmin, SubjectID: "adm"}}
	if err := reg.Join(ctx, admin, domain.RoomAdminDashboard); err != nil {
		t.Fatalf("Join dashboard: %v", err)
	}
	if err := reg.Join(ctx, admin, domain.OrderRoom("o-1")); err != nil {
		t.Fatalf("Join order room: %v", err)
	}

	ev := domain.NewEvent(domain.EventOrderStatusChanged, "o-1", domain.StatusChangedPayload{OrderID: "o-1", Status: domain.StatusAccepted, Timestamp: time.Now().UTC()})
	if got := reg.Fanout(ev); got != 1 {
		t.Fatalf("delivered %d, want 1", got)
	}
	if len(admin.inbox) != 1 {
		t.Fatalf("admin inbox %d, want 1", len(admin.inbox))
	}
}
