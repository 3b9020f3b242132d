// Package redis holds the shared go-redis client factory used by the session
// memory store, the cross-run idempotency store, and the Redis task queue.
package redis
