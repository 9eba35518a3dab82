// Package redisstream provides a Redis Streams adapter for xpos.
//
// Transport name: "redis-streams"
//
// Every subscription is a consumer group on the topic stream; the group name
// is the subscriber's (for sessions: the receiver name). Session commits run
// XADD for staged messages and XACK for consumed ones in a single MULTI/EXEC
// block, so a sale is never acknowledged without its follow-up events.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - consumer: consumer name (default "xpos-<host>-<pid>")
//   - concurrency: workers for Subscribe (default 8; sessions always use 1)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream receiving nacked messages (optional)
//   - claim_min_idle, claim_interval, claim_batch: pending redelivery
//
// Example builder usage:
//
//	bus, _ := xpos.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":         "localhost:6379",
//	        "consumer":     "store-1",
//	        "block":        "2s",
//	        "dead_letter":  "xpos.dead",
//	    }).
//	    Build()
package redisstream
