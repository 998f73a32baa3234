package topics

import (
	"strings"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
)

// DefaultTopics returns the ordered topics an identity is subscribed to on connect.
func DefaultTopics(id auth.Identity) []string {
	switch id.Role {
	case auth.RoleAdmin:
		return []string{Deliveries, DriverLocations, DriverStatuses, Inquiries, AdminNotifications}
	case auth.RoleBusiness:
		return []string{BusinessDeliveries(id.BusinessID), BusinessNotifications(id.BusinessID)}
	case auth.RoleDriver:
		return []string{DriverDeliveries(id.DriverID), DriverLocation(id.DriverID), DriverBroadcasts}
	case auth.RoleCustomer:
		return []string{CustomerUpdates(id.UserID)}
	default:
		return nil
	}
}

// AuthorizeSubscribe reports whether id may manually subscribe to topic.
//
// Admins may subscribe to anything. Tracking topics are readable by customers
// because the tracking number itself is the access token.
func AuthorizeSubscribe(id auth.Identity, topic string) bool {
	if topic == "" {
		return false
	}
	switch id.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleBusiness:
		return ownScope(topic, "business:", id.BusinessID)
	case auth.RoleDriver:
		return topic == DriverBroadcasts || ownScope(topic, "driver:", id.DriverID)
	case auth.RoleCustomer:
		return ownScope(topic, "customer:", id.UserID) || hasSuffixAfter(topic, "tracking:")
	default:
		return false
	}
}

// ownScope matches {prefix}{ownID}:{anything non-empty}.
func ownScope(topic, prefix, ownID string) bool {
	if ownID == "" {
		return false
	}
	return hasSuffixAfter(topic, prefix+ownID+":")
}

func hasSuffixAfter(topic, prefix string) bool {
	return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix)
}
