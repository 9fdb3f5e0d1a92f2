// Package outbox carries committed-state notifications from the admission
// transaction to downstream systems. Events are written in the same
// transaction as the state they describe and relayed afterwards.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// TopicOrderAdmitted is published once per committed order.
const TopicOrderAdmitted = "order.admitted"

// Event is a durable sync-intent record.
type Event struct {
	ID            string
	EnvironmentID string
	TenantID      string
	Topic         string
	AggregateID   string
	Payload       []byte
	Attempts      int
	CreatedAt     time.Time
}

// OrderAdmitted is the payload of TopicOrderAdmitted.
type OrderAdmitted struct {
	OrderID        string         `json:"orderId"`
	CustomerID     string         `json:"customerId"`
	CouponCode     string         `json:"couponCode,omitempty"`
	Total          int64          `json:"total"`
	Currency       string         `json:"currency"`
	Lines          []AdmittedLine `json:"lines"`
	OrderLineIDs   []string       `json:"orderLineIds"`
	BookingIDs     []string       `json:"bookingIds"`
	ReservationIDs []string       `json:"reservationIds"`
}

type AdmittedLine struct {
	ServiceID   string   `json:"serviceId"`
	LocationID  string   `json:"locationId"`
	Date        string   `json:"date"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	TimeslotID  string   `json:"timeslotId,omitempty"`
	ResourceIDs []string `json:"resourceIds,omitempty"`
}

// NewEvent builds an event with a fresh id and JSON payload.
func NewEvent(environmentID, tenantID, topic, aggregateID string, payload any, now time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrap(err, "marshal outbox payload")
	}
	return Event{
		ID:            uuid.New().String(),
		EnvironmentID: environmentID,
		TenantID:      tenantID,
		Topic:         topic,
		AggregateID:   aggregateID,
		Payload:       data,
		CreatedAt:     now,
	}, nil
}
