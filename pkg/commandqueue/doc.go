// Package commandqueue runs tasks on named lanes.
//
// Tasks in the same lane start in FIFO order and a lane runs at most its
// concurrency at once; different lanes run independently. Memory flushes use
// one lane per session and maintenance jobs share the maintenance lane.
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	state, err := queue.Enqueue(ctx, commandqueue.MemoryFlushLane("sess-1"), func(ctx context.Context) (interface{}, error) {
//		return "flushed", nil
//	})
package commandqueue
