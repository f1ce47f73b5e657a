// Package messaging implements the two delivery-guarantee layers built on
// the connection manager in internal/rabbitmq.
//
// Publisher tracks every publish against the broker's confirm stream and
// automatically resends anything the broker nacked. Subscriber pulls
// deliveries off a queue, fans them out over a bounded worker pool with
// intake backpressure, and relays each message's ack/reject/requeue decision
// back onto the connection loop. Dispatcher is a ready-made handler that
// routes decoded lifecycle events to per-type callbacks.
package messaging
