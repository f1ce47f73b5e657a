// Package rabbitmq owns the broker connection lifecycle.
//
// ConnectionManager runs a single loop goroutine that dials the broker, opens
// one channel, hands it to an injected ChannelBinder and keeps reconnecting
// with a linear backoff (one second per failed attempt, capped at thirty)
// until stopped. All channel I/O happens on the loop; other goroutines inject
// work with Submit or ScheduleAfter.
package rabbitmq
