package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
)

type fakeRepo struct {
	store.Repository

	mu         sync.Mutex
	claimed    map[uint]time.Time
	saved      map[uint]string
	cleared    map[uint]bool
	sweepConns []models.Connection
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		claimed: make(map[uint]time.Time),
		saved:   make(map[uint]string),
		cleared: make(map[uint]bool),
	}
}

func (f *fakeRepo) ClaimSubscription(_ context.Context, connectionID uint, staleBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if at, ok := f.claimed[connectionID]; ok && at.After(staleBefore) {
		return false, nil
	}
	f.claimed[connectionID] = time.Now()
	return true, nil
}

func (f *fakeRepo) SaveSubscriptionResult(_ context.Context, connectionID uint, subscriptionID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[connectionID] = subscriptionID
	return nil
}

func (f *fakeRepo) ClearSubscription(_ context.Context, connectionID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared[connectionID] = true
	delete(f.claimed, connectionID)
	delete(f.saved, connectionID)
	return nil
}

func (f *fakeRepo) ConnectionsForSweep(context.Context, time.Time) ([]models.Connection, error) {
	return f.sweepConns, nil
}

type fakeDriver struct {
	driver.Driver

	subscribeErr   error
	subscribeCount int32
	unsubscribed   int32
}

func (d *fakeDriver) Subscribe(context.Context) (*driver.SubscriptionInfo, error) {
	atomic.AddInt32(&d.subscribeCount, 1)
	if d.subscribeErr != nil {
		return nil, d.subscribeErr
	}
	return &driver.SubscriptionInfo{
		ID:        "sub-remote",
		ExpiresAt: time.Now().Add(72 * time.Hour),
	}, nil
}

func (d *fakeDriver) Unsubscribe(context.Context) error {
	atomic.AddInt32(&d.unsubscribed, 1)
	return nil
}

type fakeFactory struct{ drv driver.Driver }

func (f *fakeFactory) ForConnection(context.Context, *models.Connection) (driver.Driver, error) {
	return f.drv, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestManager(repo *fakeRepo, drv driver.Driver) *Manager {
	registry := driver.NewRegistry()
	registry.Register(models.ProviderGoogle, &fakeFactory{drv: drv})
	return NewManager(repo, registry, 5*24*time.Hour, testLogger())
}

func googleConn(id uint) *models.Connection {
	return &models.Connection{
		Model:        gorm.Model{ID: id},
		ProviderKind: models.ProviderGoogle,
		EmailAddress: "user@example.com",
		AccessToken:  "tok",
	}
}

func TestEnableRegistersAndSaves(t *testing.T) {
	repo := newFakeRepo()
	drv := &fakeDriver{}
	m := newTestManager(repo, drv)

	require.NoError(t, m.Enable(context.Background(), googleConn(1)))
	assert.Equal(t, int32(1), drv.subscribeCount)
	assert.Equal(t, "sub-remote", repo.saved[1])
}

func TestEnableSkipsWhenAlreadyCurrent(t *testing.T) {
	repo := newFakeRepo()
	drv := &fakeDriver{}
	m := newTestManager(repo, drv)

	require.NoError(t, m.Enable(context.Background(), googleConn(1)))
	require.NoError(t, m.Enable(context.Background(), googleConn(1)))
	assert.Equal(t, int32(1), drv.subscribeCount, "second enable must not hit the provider")
}

func TestConcurrentEnableSingleWinner(t *testing.T) {
	repo := newFakeRepo()
	drv := &fakeDriver{}
	m := newTestManager(repo, drv)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Enable(context.Background(), googleConn(1)))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&drv.subscribeCount))
}

func TestEnableUnsupportedProviderIsNoop(t *testing.T) {
	repo := newFakeRepo()
	drv := &fakeDriver{
		subscribeErr: driver.NewError(driver.KindUnsupported, "imap", "subscribe", errors.New("no push")),
	}
	m := newTestManager(repo, drv)

	require.NoError(t, m.Enable(context.Background(), googleConn(1)))
	assert.Empty(t, repo.saved)
}

func TestEnableSurfacesRemoteFailure(t *testing.T) {
	repo := newFakeRepo()
	drv := &fakeDriver{
		subscribeErr: driver.NewError(driver.KindTransient, "google", "subscribe", errors.New("503")),
	}
	m := newTestManager(repo, drv)

	err := m.Enable(context.Background(), googleConn(1))
	assert.Error(t, err)
	assert.Empty(t, repo.saved)
}

func TestDisableClearsLocalStateDespiteRemote(t *testing.T) {
	repo := newFakeRepo()
	drv := &fakeDriver{}
	m := newTestManager(repo, drv)

	conn := googleConn(1)
	require.NoError(t, m.Enable(context.Background(), conn))
	require.NoError(t, m.Disable(context.Background(), conn))

	assert.Equal(t, int32(1), drv.unsubscribed)
	assert.True(t, repo.cleared[1])
}

func TestSweepRenewsStaleAndSkipsIMAP(t *testing.T) {
	repo := newFakeRepo()
	drv := &fakeDriver{}
	m := newTestManager(repo, drv)

	imapConn := models.Connection{
		Model:        gorm.Model{ID: 2},
		ProviderKind: models.ProviderIMAP,
		IMAPHost:     "mail.example.com",
		IMAPPassword: "secret",
	}
	noCreds := models.Connection{
		Model:        gorm.Model{ID: 3},
		ProviderKind: models.ProviderGoogle,
	}
	repo.sweepConns = []models.Connection{*googleConn(1), imapConn, noCreds}

	require.NoError(t, m.Sweep(context.Background()))
	assert.Equal(t, int32(1), drv.subscribeCount)
	assert.Contains(t, repo.saved, uint(1))
	assert.NotContains(t, repo.saved, uint(2))
	assert.NotContains(t, repo.saved, uint(3))
}

func TestConcurrentSweepsRegisterOnce(t *testing.T) {
	repo := newFakeRepo()
	drv := &fakeDriver{}
	m := newTestManager(repo, drv)
	repo.sweepConns = []models.Connection{*googleConn(1)}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Sweep(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&drv.subscribeCount))
}
