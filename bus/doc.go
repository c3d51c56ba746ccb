// Package bus publishes mirror events to remote observers.
//
// Two implementations share the MessageBus interface: NATSBus for
// cross-process delivery and MemoryBus for tests and single-process use.
// Subjects are dot-separated tokens; subscriptions accept the NATS
// wildcards "*" (one token) and ">" (one or more trailing tokens).
//
//	sub, _ := b.Subscribe("kvmirror.*.events")
//	for msg := range sub.Messages() {
//	    // msg.Subject is e.g. "kvmirror.app-state.events"
//	}
//
// Delivery is at-most-once. A subscriber whose buffer is full loses
// messages rather than slowing the publisher.
package bus
