// Package worker claims fragments from a tasks.Container and reports their
// outcomes.
//
// A Pool runs a fixed number of claim loops for one service. Each loop
// claims a fragment tagged "<workerID>/<slot>", hands it to a Processor and
// reports the state errors.Outcome derives from the result:
//
//	pool, err := worker.NewPool(worker.Config{
//	    Container: c,
//	    Service:   "render",
//	    Processor: worker.ProcessorFunc(func(ctx context.Context, j worker.Job) error {
//	        return render(ctx, j.Fragment.Index)
//	    }),
//	})
//	err = pool.Run(ctx)
//
// Failed fragments are retried after a backoff delay until MaxAttempts is
// reached, then reported fatal.
//
// A Reaper fails fragments that have been processing for too long or whose
// worker stopped sending heartbeats, so another worker can claim them.
package worker
