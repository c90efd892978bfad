package worker

type worker struct {
	pool *jobChannelPool
	jobs chan Job
}

func newWorker(pool *jobChannelPool) *worker {
	return &worker{
		pool: pool,
		jobs: make(chan Job),
	}
}

func (w *worker) start() {
	go func() {
		defer w.pool.workers.Done()
		for {
			if !w.pool.release(w.jobs) {
				w.pool.retire(w.jobs)
				return
			}
			job := <-w.jobs
			if job.stop {
				w.pool.retire(w.jobs)
				return
			}
			w.run(job)
		}
	}()
}

func (w *worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error().Interface("panic", r).Str("key", job.Key).Msg("job panicked")
		}
	}()
	if job.Run != nil {
		job.Run()
	}
}
