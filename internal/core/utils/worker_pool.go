package utils

import "sync"

// CompletedTask holds whatever the worker returned. Result is kept when Error
// is set so callers can tell which task failed.
type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool runs worker on every item of queue using maxWorkers goroutines.
// The queue may be unbuffered and fed while the pool runs. completed is
// closed once queue is closed and every item has finished.
func RunInPool[In any, Out any](worker func(In) (Out, error), queue <-chan In, completed chan<- CompletedTask[Out], maxWorkers int) {
	workers := max(maxWorkers, 1)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next)
					completed <- CompletedTask[Out]{Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
