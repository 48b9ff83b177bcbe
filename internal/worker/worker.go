package worker

type jobHandler interface {
	handle(job Job)
}

// Worker runs jobs handed to it by the pool, one at a time.
type Worker struct {
	id         int
	pool       *jobChannelPool
	handler    jobHandler
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, handler jobHandler) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		handler:    handler,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				return
			}
			w.handler.handle(job)
		}
	}()
}
