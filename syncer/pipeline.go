// Package syncer runs the checkpointed sync workflow that turns queued
// change notifications into locally persisted mail state.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/actor"
	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
)

const (
	// Bounded exponential retry for transient provider failures.
	retryBase    = 2 * time.Second
	retryFactor  = 2
	retryMaxTry  = 5
	fullFetchMax = 50

	// Per-connection checkpoint steps for one task.
	stepPending = 0
	stepApplied = 1
)

// cursorInitializer is implemented by drivers that can mint a cursor
// anchored at the mailbox's current state.
type cursorInitializer interface {
	InitialCursor(ctx context.Context) (string, error)
}

// Pipeline executes sync tasks end to end: resolve connections, fetch
// changes since the stored cursor, and apply them through the actor.
type Pipeline struct {
	repo     store.Repository
	registry *driver.Registry
	actors   *actor.Actors
	log      *logrus.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(repo store.Repository, registry *driver.Registry, actors *actor.Actors, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		repo:     repo,
		registry: registry,
		actors:   actors,
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes one task. Re-delivery of the same task resumes after the
// last checkpointed connection; everything else is idempotent by upsert.
// Per-connection failures never abort the rest of the batch.
func (p *Pipeline) Handle(ctx context.Context, task *store.SyncTask) error {
	connections, err := p.resolveConnections(ctx, task)
	if err != nil {
		return err
	}
	if len(connections) == 0 {
		p.log.WithFields(logrus.Fields{
			"provider":        task.ProviderKind,
			"subscription_id": task.SubscriptionID,
		}).Warn("Sync task matched no connections, dropping")
		return nil
	}

	failed := 0
	for i := range connections {
		conn := &connections[i]
		log := p.log.WithFields(logrus.Fields{
			"task_key":      task.TaskKey,
			"connection_id": conn.ID,
			"provider":      conn.ProviderKind,
		})

		step, err := p.repo.CheckpointStep(ctx, task.TaskKey, conn.ID)
		if err != nil {
			return err
		}
		if step >= stepApplied {
			log.Debug("Connection already synced for this task, skipping")
			continue
		}

		if conn.NeedsReconnect || !conn.HasCredentials() {
			log.Info("Connection needs reconnect, skipping sync")
			continue
		}

		if err := p.syncConnection(ctx, conn, log); err != nil {
			if driver.IsAuth(err) {
				log.WithError(err).Warn("Auth failure, flagging connection for reconnect")
				if ferr := p.repo.FlagReconnect(ctx, conn.ID, err.Error()); ferr != nil {
					return ferr
				}
				continue
			}
			failed++
			log.WithError(err).Error("Connection sync failed after retries")
			sentry.CaptureException(fmt.Errorf("sync task %s connection %d: %w", task.TaskKey, conn.ID, err))
			continue
		}

		if err := p.repo.SetCheckpointStep(ctx, task.TaskKey, conn.ID, stepApplied); err != nil {
			return err
		}
	}

	if err := p.repo.ClearCheckpoints(ctx, task.TaskKey); err != nil {
		return err
	}

	if failed > 0 {
		p.log.WithFields(logrus.Fields{
			"task_key": task.TaskKey,
			"failed":   failed,
			"total":    len(connections),
		}).Warn("Sync task finished with failed connections")
	}
	return nil
}

func (p *Pipeline) resolveConnections(ctx context.Context, task *store.SyncTask) ([]models.Connection, error) {
	if task.ConnectionID != 0 {
		conn, err := p.repo.ConnectionByID(ctx, task.ConnectionID)
		if err == store.ErrNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []models.Connection{*conn}, nil
	}
	return p.repo.ConnectionsBySubscription(ctx, task.SubscriptionID)
}

func (p *Pipeline) syncConnection(ctx context.Context, conn *models.Connection, log *logrus.Entry) error {
	drv, err := p.registry.ForConnection(ctx, conn)
	if err != nil {
		return err
	}

	cursor, err := p.repo.Cursor(ctx, conn.ID, conn.ProviderKind)
	if err != nil {
		return err
	}

	a := p.actors.For(conn.ID)

	if cursor == "" {
		if err := p.fullRefetch(ctx, conn, drv, a, log); err != nil {
			return err
		}
		// The refetch anchored a fresh cursor; drain anything the anchor
		// point already covers (the IMAP bootstrap relies on this pass).
		cursor, err = p.repo.Cursor(ctx, conn.ID, conn.ProviderKind)
		if err != nil || cursor == "" {
			return err
		}
	}

	list, err := p.fetchChanges(ctx, drv, cursor)
	if driver.IsNotFound(err) {
		// Cursor expired on the provider side.
		log.Info("Cursor expired, running full refetch")
		return p.fullRefetch(ctx, conn, drv, a, log)
	}
	if err != nil {
		return err
	}

	return a.UpsertBatch(ctx, actor.Batch{
		ProviderKind: conn.ProviderKind,
		Messages:     list.Messages,
		DeletedIDs:   list.DeletedIDs,
		NextCursor:   list.NextCursor,
	})
}

// fetchChanges retries transient failures with bounded exponential backoff.
func (p *Pipeline) fetchChanges(ctx context.Context, drv driver.Driver, cursor string) (*driver.ChangeList, error) {
	var lastErr error
	delay := retryBase
	for attempt := 0; attempt < retryMaxTry; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= retryFactor
		}
		list, err := drv.Changes(ctx, cursor)
		if err == nil {
			return list, nil
		}
		if !driver.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// fullRefetch rebuilds the recent window via List/Get and anchors a fresh
// cursor at the provider's current state.
func (p *Pipeline) fullRefetch(ctx context.Context, conn *models.Connection, drv driver.Driver, a *actor.ConnectionActor, log *logrus.Entry) error {
	var nextCursor string
	if init, ok := drv.(cursorInitializer); ok {
		c, err := init.InitialCursor(ctx)
		if err != nil {
			return err
		}
		nextCursor = c
	}

	listing, err := drv.List(ctx, models.LabelInbox, "", fullFetchMax, "")
	if err != nil {
		return err
	}

	var messages []driver.CanonicalMessage
	for _, stub := range listing.Threads {
		detail, err := drv.Get(ctx, stub.ID)
		if err != nil {
			if driver.IsNotFound(err) {
				continue
			}
			return err
		}
		messages = append(messages, detail.Messages...)
	}

	log.WithFields(logrus.Fields{
		"threads":  len(listing.Threads),
		"messages": len(messages),
	}).Info("Full refetch complete")

	return a.UpsertBatch(ctx, actor.Batch{
		ProviderKind: conn.ProviderKind,
		Messages:     messages,
		NextCursor:   nextCursor,
	})
}
