// Package storage is the order-store adapter: an Azure Tables backed
// record per order, with optimistic concurrency on status mutations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"order-stream/domain"
)

// Store provides access to the orders table.
type Store struct {
	orders *aztables.Client
}

// New creates a Store from the given connection string.
func New(connStr, ordersTable string) (*Store, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Store{orders: svc.NewClient(ordersTable)}, nil
}

type orderEntity struct {
	aztables.Entity
	Status       string `json:"Status"`
	RestaurantID string `json:"RestaurantId"`
	ClientID     string `json:"ClientId"`
	DriverID     string `json:"DriverId,omitempty"`
	Zone         string `json:"Zone,omitempty"`
	CreatedAt    string `json:"CreatedAt"`
	AcceptedAt   string `json:"AcceptedAt,omitempty"`
	ReadyAt      string `json:"ReadyAt,omitempty"`
	PickedUpAt   string `json:"PickedUpAt,omitempty"`
	DeliveredAt  string `json:"DeliveredAt,omitempty"`
	CancelledAt  string `json:"CancelledAt,omitempty"`
}

func encodeOrder(o domain.Order) orderEntity {
	return orderEntity{
		Entity:       aztables.Entity{PartitionKey: o.ID, RowKey: o.ID},
		Status:       string(o.Status),
		RestaurantID: o.RestaurantID,
		ClientID:     o.ClientID,
		DriverID:     strOrEmpty(o.DriverID),
		Zone:         o.Zone,
		CreatedAt:    encodeTime(&o.CreatedAt),
		AcceptedAt:   encodeTime(o.AcceptedAt),
		ReadyAt:      encodeTime(o.ReadyAt),
		PickedUpAt:   encodeTime(o.PickedUpAt),
		DeliveredAt:  encodeTime(o.DeliveredAt),
		CancelledAt:  encodeTime(o.CancelledAt),
	}
}

func decodeOrder(data []byte) (domain.Order, error) {
	var ent orderEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Order{}, err
	}
	o := domain.Order{
		ID:           ent.RowKey,
		Status:       domain.Status(ent.Status),
		RestaurantID: ent.RestaurantID,
		ClientID:     ent.ClientID,
		Zone:         ent.Zone,
		AcceptedAt:   decodeTime(ent.AcceptedAt),
		ReadyAt:      decodeTime(ent.ReadyAt),
		PickedUpAt:   decodeTime(ent.PickedUpAt),
		DeliveredAt:  decodeTime(ent.DeliveredAt),
		CancelledAt:  decodeTime(ent.CancelledAt),
	}
	if ent.DriverID != "" {
		d := ent.DriverID
		o.DriverID = &d
	}
	if t := decodeTime(ent.CreatedAt); t != nil {
		o.CreatedAt = *t
	}
	return o, nil
}

// CreateOrder inserts a new order record.
func (s *Store) CreateOrder(ctx context.Context, o domain.Order) error {
	data, err := json.Marshal(encodeOrder(o))
	if err != nil {
		return err
	}
	if _, err := s.orders.AddEntity(ctx, data, nil); err != nil {
		if statusCode(err) == http.StatusConflict {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

// GetOrder retrieves a single order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, _, err := s.getWithETag(ctx, id)
	return o, err
}

func (s *Store) getWithETag(ctx context.Context, id string) (domain.Order, azcore.ETag, error) {
	resp, err := s.orders.GetEntity(ctx, id, id, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return domain.Order{}, "", domain.ErrOrderNotFound
		}
		return domain.Order{}, "", err
	}
	o, err := decodeOrder(resp.Value)
	return o, resp.ETag, err
}

// ApplyTransition validates and persists a status change. A concurrent
// writer surfaces as ErrConflict via the entity ETag.
func (s *Store) ApplyTransition(ctx context.Context, id string, target domain.Status) (domain.Order, error) {
	o, etag, err := s.getWithETag(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if err := o.ApplyStatus(target, time.Now().UTC()); err != nil {
		return domain.Order{}, err
	}
	if err := s.replace(ctx, o, etag); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// AssignDriver binds a driver to a non-terminal order.
func (s *Store) AssignDriver(ctx context.Context, id, driverID string) (domain.Order, error) {
	o, etag, err := s.getWithETag(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if o.Status.Terminal() {
		return domain.Order{}, domain.ErrInvalidTransition
	}
	o.DriverID = &driverID
	if err := s.replace(ctx, o, etag); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (s *Store) replace(ctx context.Context, o domain.Order, etag azcore.ETag) error {
	data, err := json.Marshal(encodeOrder(o))
	if err != nil {
		return err
	}
	opts := &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	}
	if _, err := s.orders.UpdateEntity(ctx, data, opts); err != nil {
		if statusCode(err) == http.StatusPreconditionFailed {
			return domain.ErrConflict
		}
		if statusCode(err) == http.StatusNotFound {
			return domain.ErrOrderNotFound
		}
		return err
	}
	return nil
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func strOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func encodeTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}
