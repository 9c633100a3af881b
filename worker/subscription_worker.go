package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/subscription"
)

// SubscriptionWorker renews provider push subscriptions on a fixed interval
// so they never lapse. One sweep runs at startup, then one per tick.
type SubscriptionWorker struct {
	manager  *subscription.Manager
	interval time.Duration
	logger   *logrus.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewSubscriptionWorker(manager *subscription.Manager, interval time.Duration, logger *logrus.Logger) *SubscriptionWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SubscriptionWorker{
		manager:  manager,
		interval: interval,
		logger:   logger,
	}
}

func (w *SubscriptionWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	w.logger.WithField("interval", w.interval.String()).Info("Subscription sweep worker started")
}

func (w *SubscriptionWorker) run(ctx context.Context) {
	defer w.wg.Done()

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *SubscriptionWorker) sweep(ctx context.Context) {
	if err := w.manager.Sweep(ctx); err != nil {
		w.logger.WithError(err).Error("Subscription sweep failed")
	}
}

func (w *SubscriptionWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Subscription sweep worker stopped")
}
