// Package redis holds the Redis backed pieces of the API server: the
// connection registry behind presence, the fixed-window rate limiter and the
// profile read-through cache. When REDIS_HOST is unset the server uses the
// in-process presence store and rate limiter instead, and reads profiles
// uncached; the default test run covers those.
//
// The tests in this package talk to a real server and are skipped unless
// REDIS_TEST_ADDR (host:port) is set, for example:
//
//	docker run --rm -p 6379:6379 redis:7
//	REDIS_TEST_ADDR=localhost:6379 go test ./internal/redis/ ./internal/events/
//
// Keys written by the tests carry a random user id and are removed on cleanup.
package redis
