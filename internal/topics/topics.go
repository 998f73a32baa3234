// Package topics names the real-time channels and decides which identities may
// receive them.
package topics

import "strings"

// Fixed topic names. All but DriverBroadcasts are the admin operational feed.
const (
	Deliveries         = "deliveries"
	DriverLocations    = "drivers:locations"
	DriverStatuses     = "drivers:status"
	Inquiries          = "inquiries"
	AdminNotifications = "admin:notifications"
	DriverBroadcasts   = "driver:broadcasts"
)

// Prefixes is the closed set of topic families relayed through the broker.
// Every topic the hub distributes starts with one of these.
var Prefixes = []string{
	Deliveries,
	"drivers:",
	Inquiries,
	"admin:",
	"business:",
	"driver:",
	"customer:",
	"tracking:",
}

// BusinessDeliveries returns business:{id}:deliveries.
func BusinessDeliveries(businessID string) string {
	return "business:" + businessID + ":deliveries"
}

// BusinessNotifications returns business:{id}:notifications.
func BusinessNotifications(businessID string) string {
	return "business:" + businessID + ":notifications"
}

// DriverDeliveries returns driver:{id}:deliveries.
func DriverDeliveries(driverID string) string {
	return "driver:" + driverID + ":deliveries"
}

// DriverLocation returns driver:{id}:location.
func DriverLocation(driverID string) string {
	return "driver:" + driverID + ":location"
}

// CustomerUpdates returns customer:{id}:updates.
func CustomerUpdates(customerID string) string {
	return "customer:" + customerID + ":updates"
}

// Tracking returns tracking:{trackingNumber}.
func Tracking(trackingNumber string) string {
	return "tracking:" + trackingNumber
}

// Known reports whether topic belongs to one of the broker prefixes.
func Known(topic string) bool {
	return PrefixOf(topic) != ""
}

// PrefixOf returns the broker prefix a topic belongs to, or "" when none matches.
func PrefixOf(topic string) string {
	if topic == "" {
		return ""
	}
	for _, p := range Prefixes {
		if strings.HasPrefix(topic, p) {
			return p
		}
	}
	return ""
}
