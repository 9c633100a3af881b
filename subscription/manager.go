// Package subscription manages provider push registrations and their
// periodic renewal.
package subscription

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
)

// Manager enables, disables and renews push subscriptions. All paths are
// safe to run concurrently: the repository claim makes renewal a
// single-winner race.
type Manager struct {
	repo     store.Repository
	registry *driver.Registry
	maxAge   time.Duration
	log      *logrus.Logger
}

func NewManager(repo store.Repository, registry *driver.Registry, maxAge time.Duration, log *logrus.Logger) *Manager {
	if maxAge <= 0 {
		maxAge = 5 * 24 * time.Hour
	}
	return &Manager{repo: repo, registry: registry, maxAge: maxAge, log: log}
}

// Enable registers push for one connection. The local claim happens before
// the remote call, so a concurrent Enable for the same connection is a
// no-op. Remote failure is logged and surfaced; credentials are never
// modified on this path.
func (m *Manager) Enable(ctx context.Context, conn *models.Connection) error {
	log := m.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.ProviderKind,
	})

	claimed, err := m.repo.ClaimSubscription(ctx, conn.ID, time.Now().Add(-m.maxAge))
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("Subscription already current, skipping")
		return nil
	}

	drv, err := m.registry.ForConnection(ctx, conn)
	if err != nil {
		log.WithError(err).Warn("Failed to build driver for subscription enable")
		return err
	}

	info, err := drv.Subscribe(ctx)
	if driver.IsUnsupported(err) {
		log.Debug("Provider has no push notifications")
		return nil
	}
	if err != nil {
		log.WithError(err).Warn("Failed to register push subscription")
		return err
	}

	if err := m.repo.SaveSubscriptionResult(ctx, conn.ID, info.ID, info.ExpiresAt); err != nil {
		return err
	}
	log.WithField("subscription_id", info.ID).Info("Push subscription registered")
	return nil
}

// Disable tears down push for one connection. Remote errors are logged
// only; the local record always goes away.
func (m *Manager) Disable(ctx context.Context, conn *models.Connection) error {
	log := m.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.ProviderKind,
	})

	if conn.HasCredentials() {
		if drv, err := m.registry.ForConnection(ctx, conn); err != nil {
			log.WithError(err).Warn("Failed to build driver for subscription disable")
		} else if err := drv.Unsubscribe(ctx); err != nil && !driver.IsUnsupported(err) {
			log.WithError(err).Warn("Failed to remove remote subscription")
		}
	}

	return m.repo.ClearSubscription(ctx, conn.ID)
}

// Sweep re-enables subscriptions that are absent or older than the renewal
// cutoff. Re-entrant: concurrent sweeps race on the claim and only one
// registers remotely.
func (m *Manager) Sweep(ctx context.Context) error {
	conns, err := m.repo.ConnectionsForSweep(ctx, time.Now().Add(-m.maxAge))
	if err != nil {
		return err
	}

	renewed := 0
	for i := range conns {
		conn := &conns[i]
		if conn.ProviderKind == models.ProviderIMAP || !conn.HasCredentials() {
			continue
		}
		if err := m.Enable(ctx, conn); err != nil {
			// Logged inside Enable; keep sweeping.
			continue
		}
		renewed++
	}

	if renewed > 0 {
		m.log.WithField("renewed", renewed).Info("Subscription sweep complete")
	}
	return nil
}
