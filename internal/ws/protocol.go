package ws

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
	"github.com/dgnsrekt/courier-realtime/internal/envelope"
	"github.com/dgnsrekt/courier-realtime/internal/topics"
)

var errMissingField = errors.New("missing field")

// ConnectedData is the payload of the connected envelope.
type ConnectedData struct {
	ConnectionID string   `json:"connectionId"`
	Role         string   `json:"role"`
	UserID       string   `json:"userId"`
	Channels     []string `json:"channels"`
}

// LocationUpdate is the payload of driver_location_update and driver_location.
type LocationUpdate struct {
	DriverID  string   `json:"driverId,omitempty"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	UpdatedAt int64    `json:"updatedAt,omitempty"`
}

// StatusUpdate is the payload of delivery_status_update and delivery_status.
type StatusUpdate struct {
	DeliveryID     string `json:"deliveryId"`
	Status         string `json:"status"`
	BusinessID     string `json:"businessId,omitempty"`
	CustomerID     string `json:"customerId,omitempty"`
	DriverID       string `json:"driverId,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
	Note           string `json:"note,omitempty"`
	UpdatedAt      int64  `json:"updatedAt,omitempty"`
}

// Publication is one envelope bound for one topic.
type Publication struct {
	Topic    string
	Envelope envelope.Envelope
}

func channelData(channel string) map[string]string {
	return map[string]string{"channel": channel}
}

// locationPublications fans a driver's location out to its own topic and the
// admin location feed.
func locationPublications(id auth.Identity, env envelope.Envelope, at time.Time) ([]Publication, error) {
	var u LocationUpdate
	if err := env.UnmarshalData(&u); err != nil {
		return nil, err
	}
	if u.Lat < -90 || u.Lat > 90 || u.Lng < -180 || u.Lng > 180 {
		return nil, fmt.Errorf("coordinates out of range")
	}
	u.DriverID = id.DriverID
	if u.UpdatedAt == 0 {
		u.UpdatedAt = at.UnixMilli()
	}

	var out []Publication
	for _, topic := range []string{topics.DriverLocation(id.DriverID), topics.DriverLocations} {
		e, err := envelope.New(envelope.TypeDriverLocation, topic, u, at)
		if err != nil {
			return nil, err
		}
		out = append(out, Publication{Topic: topic, Envelope: e})
	}
	return out, nil
}

// StatusPublications returns every topic a delivery status change is visible on.
func StatusPublications(u StatusUpdate, at time.Time) ([]Publication, error) {
	if u.DeliveryID == "" {
		return nil, fmt.Errorf("%w: deliveryId", errMissingField)
	}
	if u.Status == "" {
		return nil, fmt.Errorf("%w: status", errMissingField)
	}
	if u.UpdatedAt == 0 {
		u.UpdatedAt = at.UnixMilli()
	}

	targets := []string{topics.Deliveries}
	if u.BusinessID != "" {
		targets = append(targets, topics.BusinessDeliveries(u.BusinessID))
	}
	if u.DriverID != "" {
		targets = append(targets, topics.DriverDeliveries(u.DriverID))
	}
	if u.CustomerID != "" {
		targets = append(targets, topics.CustomerUpdates(u.CustomerID))
	}
	if u.TrackingNumber != "" {
		targets = append(targets, topics.Tracking(u.TrackingNumber))
	}

	out := make([]Publication, 0, len(targets))
	for _, topic := range targets {
		e, err := envelope.New(envelope.TypeDeliveryStatus, topic, u, at)
		if err != nil {
			return nil, err
		}
		out = append(out, Publication{Topic: topic, Envelope: e})
	}
	return out, nil
}

// statusPublications validates a client-sent status update. Drivers may only
// report on their own deliveries.
func statusPublications(id auth.Identity, env envelope.Envelope, at time.Time) ([]Publication, error) {
	var u StatusUpdate
	if err := env.UnmarshalData(&u); err != nil {
		return nil, err
	}
	if id.Role == auth.RoleDriver {
		u.DriverID = id.DriverID
	}
	return StatusPublications(u, at)
}

// mayPublish reports whether a role may send the given inbound type.
func mayPublish(role auth.Role, t envelope.Type) bool {
	switch t {
	case envelope.TypeDriverLocationUpdate:
		return role == auth.RoleDriver
	case envelope.TypeDeliveryStatusUpdate:
		return role == auth.RoleDriver || role == auth.RoleAdmin
	}
	return false
}
