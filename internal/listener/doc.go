// Package listener provides the priority-ordered event dispatcher that
// plugins use to notify their own listeners.
//
// A Dispatcher keeps an explicit delivery order across any number of
// subscribers that are not known at compile time. Each subscriber occupies
// one slot with a signed 8-bit weight; lower weights are delivered first and
// equal weights keep registration order.
//
//	d := listener.New(listener.WithName("queue"))
//	h, _ := d.Register(sub, -5)
//	d.Start(ctx)                              // broadcasts EventReady
//	d.DispatchEvent(ctx, "queue.entryAdded")
//	d.DispatchVariable(ctx, "queue.length", 3)
//
// # Ordering Controls
//
//   - UpdatePriority changes a weight and shifts the slot to the edge of its
//     new weight class (back when the weight grew, front when it shrank).
//   - SetPriorityHigh and SetPriorityLow move a slot to the front or back of
//     its current weight class.
//   - SetPriorityFirst and SetPriorityLast move a slot to the very front or
//     back regardless of weight. This deliberately breaks weight ordering and
//     is not repaired by later operations on other slots.
//
// # Enable and Disable
//
// Disable keeps the slot in place but skips it during broadcasts. Enable
// restores delivery at the same position without re-registering.
//
// # Late Registration
//
// Once Start has broadcast EventReady, each new registration is sent its
// own EventReady after a short catch-up delay, so late joiners are never
// silently skipped.
package listener
