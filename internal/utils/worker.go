package utils

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	DefaultTaskChanSize = 1024
)

type WorkerFunction = func(t *tomb.Tomb, task any) error

// WorkerPool runs a fixed number of workers under a tomb. Tasks are handed
// to whichever worker is free; a worker may re-queue a task it has not
// finished with.
type WorkerPool struct {
	n     int            // number of workers
	tasks chan any       // task queue
	work  WorkerFunction // do work method
}

func NewWorkerPool(size, queue int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = DefaultTaskChanSize
	}
	return &WorkerPool{
		n:     size,
		tasks: make(chan any, queue),
	}
}

// Setup starts the workers. They stop when the tomb starts dying or a
// task returns an error, which kills the tomb.
func (pool *WorkerPool) Setup(t *tomb.Tomb, work WorkerFunction) {
	pool.work = work
	for id := 0; id < pool.n; id++ {
		t.Go(func() error {
			return pool.worker(t, id)
		})
	}
}

// AddTask queues a task. It reports false when the queue is full.
func (pool *WorkerPool) AddTask(task any) bool {
	select {
	case pool.tasks <- task:
		return true
	default:
		return false
	}
}

// Drain returns the tasks still queued, for cleanup after shutdown.
func (pool *WorkerPool) Drain() []any {
	var tasks []any
	for {
		select {
		case task := <-pool.tasks:
			tasks = append(tasks, task)
		default:
			return tasks
		}
	}
}

// Workers wait on tasks in the task queue and action them.
func (pool *WorkerPool) worker(t *tomb.Tomb, id int) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-pool.tasks:
			if err := pool.work(t, task); err != nil {
				log.Error().Err(err).Int("id", id).Msg("worker exiting")
				return err
			}
		}
	}
}
