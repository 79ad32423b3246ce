// Package commandqueue runs tasks on named lanes with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time in submission order.
// - Tasks in different lanes may execute concurrently.
// - Idle lanes are forgotten, so lane names may be unbounded (one per contact).
// - Abort cancels running tasks and rejects queued ones without waiting.
//
// Usage:
//
//	queue := commandqueue.New(ctx, "inbound")
//	defer queue.Close()
//	done, err := queue.Submit(ctx, "contact-1", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
