package infra

import "fmt"

const (
	// RedisNamespace isolates the router's keys in a shared Redis.
	RedisNamespace = "agentrouter"
)

// Sets
const (
	RedisKeyDisabledPolicies   = RedisNamespace + ":policies:disabled_set"
	RedisKeyLockWarmupDisabled = RedisNamespace + ":lock:warmup:disabled"
)

// Leases
const (
	// RedisKeyWriterLease holds the id of the only instance allowed to change
	// policies, grants and usage.
	RedisKeyWriterLease = RedisNamespace + ":lease:writer"
)

// Pub/Sub channels
const (
	// RedisChanPolicyState carries "origin/principal:strategy:on|off|sync"
	// signals between router instances.
	RedisChanPolicyState = RedisNamespace + ":policies:state-signal"
)

// GetWarmupLockKey builds a warm-up lock key for resource.
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
