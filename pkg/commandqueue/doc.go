// Package commandqueue serializes work per key. The agent runner uses one
// lane per thread so two operations on the same thread never interleave.
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	v, err := queue.EnqueueWithContext(ctx, "thread:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
