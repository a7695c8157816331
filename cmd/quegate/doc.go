// Command quegate runs the queue administration gateway.
//
// Quegate exposes the queues, items and locks of a redisques style Redis
// store over HTTP, and collects queue sizes for monitoring.
//
// Install:
//
//	go install github.com/nuetzliches/quegate/cmd/quegate@latest
//
// Usage:
//
//	quegate run --redis-addr localhost:6379 --prefix /queuing
package main
