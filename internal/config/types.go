package config

import (
	"github.com/dgnsrekt/courier-realtime/internal/auth"
	"github.com/dgnsrekt/courier-realtime/internal/broker"
	"github.com/dgnsrekt/courier-realtime/internal/queue"
	"github.com/dgnsrekt/courier-realtime/internal/syncengine"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

var validBackends = []string{queue.BackendMemory, queue.BackendBadger, queue.BackendSQLite}

var validPolicies = []string{
	string(syncengine.PolicyClientWins),
	string(syncengine.PolicyServerWins),
	string(syncengine.PolicyTimestampWins),
}

// validRoles are the roles an agent may enqueue changes as.
var validRoles = []string{
	string(auth.RoleAdmin),
	string(auth.RoleBusiness),
	string(auth.RoleDriver),
	string(auth.RoleCustomer),
}

var validCompression = []string{broker.CompressionNone, broker.CompressionZstd}

var validLevels = []string{"debug", "info", "warn", "error"}
