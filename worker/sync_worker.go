package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/store"
	"github.com/Chandorkar-Technologies/Zero-sub000/syncer"
)

const dequeueTimeout = 5 * time.Second

// SyncWorker drains the sync task queue with a fixed pool of goroutines.
// Task failures are fully handled inside the pipeline; a worker only logs
// and keeps polling.
type SyncWorker struct {
	queue    store.TaskQueue
	pipeline *syncer.Pipeline
	workers  int
	logger   *logrus.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewSyncWorker(queue store.TaskQueue, pipeline *syncer.Pipeline, workers int, logger *logrus.Logger) *SyncWorker {
	if workers <= 0 {
		workers = 4
	}
	return &SyncWorker{
		queue:    queue,
		pipeline: pipeline,
		workers:  workers,
		logger:   logger,
	}
}

func (w *SyncWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	w.logger.WithField("workers", w.workers).Info("Sync workers started")
}

func (w *SyncWorker) run(ctx context.Context, id int) {
	defer w.wg.Done()
	log := w.logger.WithField("worker", id)

	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Failed to dequeue sync task")
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		log.WithFields(logrus.Fields{
			"task_key": task.TaskKey,
			"provider": task.ProviderKind,
		}).Debug("Processing sync task")

		if err := w.pipeline.Handle(ctx, task); err != nil {
			log.WithError(err).WithField("task_key", task.TaskKey).
				Error("Sync task failed")
		}
	}
}

// Stop cancels the polling loops and waits for in-flight tasks.
func (w *SyncWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Sync workers stopped")
}
