// Package rabbitmq provides the AMQP implementation of queue.Transport.
//
// AMQP has no native visibility timeout, so the unacknowledged delivery
// itself serves as the lease: an unacked message stays invisible until
// acknowledged or the channel dies. Delayed redelivery is built from a
// companion retry queue whose messages carry a per-message TTL and
// dead-letter back onto the main queue on expiry.
package rabbitmq
