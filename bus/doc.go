// Package bus moves scheduler events and worker heartbeats between
// processes.
//
// # Implementations
//
//   - NATSBus: NATS core pub/sub
//   - MemoryBus: in-process, for tests and single-process deployments
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions may use the NATS
// wildcards, which MemoryBus evaluates the same way:
//
//	sub, _ := b.Subscribe("fragkit.render.*")      // every event kind of one service
//	sub, _ := b.Subscribe("fragkit.>")             // everything
//	for msg := range sub.Messages() {
//	    // handle msg.Data
//	}
//
// Use Subject to build subjects from service names that may contain dots
// or spaces.
//
// Delivery is best effort: a subscriber whose buffer is full misses
// messages instead of slowing the publisher down.
package bus
