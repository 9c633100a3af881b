package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Chandorkar-Technologies/Zero-sub000/actor"
	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
)

type fakeRepo struct {
	store.Repository

	mu          sync.Mutex
	connections map[uint]*models.Connection
	messages    map[string]*models.Message
	threads     map[string]*models.Thread
	cursors     map[uint]string
	checkpoints map[string]int
	reconnects  map[uint]string
}

func newFakeRepo(conns ...*models.Connection) *fakeRepo {
	f := &fakeRepo{
		connections: make(map[uint]*models.Connection),
		messages:    make(map[string]*models.Message),
		threads:     make(map[string]*models.Thread),
		cursors:     make(map[uint]string),
		checkpoints: make(map[string]int),
		reconnects:  make(map[uint]string),
	}
	for _, c := range conns {
		f.connections[c.ID] = c
	}
	return f
}

func checkpointKey(taskKey string, connectionID uint) string {
	return fmt.Sprintf("%s/%d", taskKey, connectionID)
}

func (f *fakeRepo) ConnectionByID(_ context.Context, id uint) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.connections[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepo) ConnectionsBySubscription(_ context.Context, _ string) ([]models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Connection
	for _, c := range f.connections {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeRepo) FlagReconnect(_ context.Context, id uint, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects[id] = cause
	if c, ok := f.connections[id]; ok {
		c.NeedsReconnect = true
	}
	return nil
}

func (f *fakeRepo) TouchLastSynced(_ context.Context, _ uint, _ time.Time) error { return nil }

func (f *fakeRepo) UpsertMessage(_ context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *msg
	f.messages[msg.ProviderMessageID] = &cp
	return nil
}

func (f *fakeRepo) UpsertThread(_ context.Context, thread *models.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *thread
	f.threads[thread.ThreadID] = &cp
	return nil
}

func (f *fakeRepo) DeleteMessages(_ context.Context, _ uint, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.messages, id)
	}
	return nil
}

func (f *fakeRepo) MessageByProviderID(_ context.Context, _ uint, id string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepo) Cursor(_ context.Context, connectionID uint, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[connectionID], nil
}

func (f *fakeRepo) SetCursor(_ context.Context, connectionID uint, _, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[connectionID] = token
	return nil
}

func (f *fakeRepo) CheckpointStep(_ context.Context, taskKey string, connectionID uint) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints[checkpointKey(taskKey, connectionID)], nil
}

func (f *fakeRepo) SetCheckpointStep(_ context.Context, taskKey string, connectionID uint, step int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[checkpointKey(taskKey, connectionID)] = step
	return nil
}

func (f *fakeRepo) ClearCheckpoints(_ context.Context, taskKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.checkpoints {
		if len(k) > len(taskKey) && k[:len(taskKey)] == taskKey {
			delete(f.checkpoints, k)
		}
	}
	return nil
}

// fakeDriver scripts provider behavior per test.
type fakeDriver struct {
	changes       func(cursor string) (*driver.ChangeList, error)
	initialCursor string
	listing       []driver.ThreadStub
	details       map[string]*driver.ThreadDetail

	mu          sync.Mutex
	changeCalls []string
	listCalls   int
}

func (d *fakeDriver) Changes(_ context.Context, cursor string) (*driver.ChangeList, error) {
	d.mu.Lock()
	d.changeCalls = append(d.changeCalls, cursor)
	d.mu.Unlock()
	if d.changes == nil {
		return &driver.ChangeList{NextCursor: cursor}, nil
	}
	return d.changes(cursor)
}

func (d *fakeDriver) InitialCursor(context.Context) (string, error) {
	return d.initialCursor, nil
}

func (d *fakeDriver) List(_ context.Context, _, _ string, _ int64, _ string) (*driver.ListResult, error) {
	d.mu.Lock()
	d.listCalls++
	d.mu.Unlock()
	return &driver.ListResult{Threads: d.listing}, nil
}

func (d *fakeDriver) Get(_ context.Context, threadID string) (*driver.ThreadDetail, error) {
	if detail, ok := d.details[threadID]; ok {
		return detail, nil
	}
	return nil, driver.NewError(driver.KindNotFound, "fake", "get", errors.New("no thread"))
}

func (d *fakeDriver) Create(context.Context, *driver.OutgoingMessage) (*driver.SendResult, error) {
	return nil, errors.New("not scripted")
}
func (d *fakeDriver) Delete(context.Context, string) error            { return nil }
func (d *fakeDriver) MarkAsRead(context.Context, []string) error      { return nil }
func (d *fakeDriver) MarkAsUnread(context.Context, []string) error    { return nil }
func (d *fakeDriver) ModifyLabels(context.Context, []string, driver.LabelChange) error {
	return nil
}
func (d *fakeDriver) GetUserInfo(context.Context) (*driver.UserInfo, error) {
	return &driver.UserInfo{}, nil
}
func (d *fakeDriver) RevokeToken(context.Context, string) (bool, error) { return true, nil }
func (d *fakeDriver) GetScope() string                                  { return "" }
func (d *fakeDriver) Subscribe(context.Context) (*driver.SubscriptionInfo, error) {
	return nil, driver.NewError(driver.KindUnsupported, "fake", "subscribe", errors.New("unsupported"))
}
func (d *fakeDriver) Unsubscribe(context.Context) error { return nil }

type fakeFactory struct {
	drv driver.Driver
	err error
}

func (f *fakeFactory) ForConnection(context.Context, *models.Connection) (driver.Driver, error) {
	return f.drv, f.err
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func googleConn(id uint) *models.Connection {
	return &models.Connection{
		Model:        gorm.Model{ID: id},
		ProviderKind: models.ProviderGoogle,
		EmailAddress: fmt.Sprintf("user%d@example.com", id),
		AccessToken:  "tok",
	}
}

func newTestPipeline(t *testing.T, repo *fakeRepo, drv driver.Driver) *Pipeline {
	t.Helper()
	registry := driver.NewRegistry()
	registry.Register(models.ProviderGoogle, &fakeFactory{drv: drv})

	d := actor.NewDispatcher(2, 16, testLogger())
	d.Start()
	t.Cleanup(d.Stop)
	blobs := store.NewMemoryBlobStore()
	actors := actor.New(d, repo, blobs, store.NewMailbox(repo, blobs), nil, testLogger())

	p := NewPipeline(repo, registry, actors, testLogger())
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestHandleAppliesChangesAndAdvancesCursor(t *testing.T) {
	repo := newFakeRepo(googleConn(1))
	repo.cursors[1] = "c1"

	drv := &fakeDriver{
		changes: func(cursor string) (*driver.ChangeList, error) {
			return &driver.ChangeList{
				Messages: []driver.CanonicalMessage{
					{ID: "m1", ThreadID: "t1", Sender: "a@x", ReceivedAt: time.Now()},
				},
				DeletedIDs: []string{"gone"},
				NextCursor: "c2",
			}, nil
		},
	}

	p := newTestPipeline(t, repo, drv)
	task := store.NewSyncTask(models.ProviderGoogle, "", "sub-1")
	require.NoError(t, p.Handle(context.Background(), task))

	assert.Equal(t, []string{"c1"}, drv.changeCalls)
	assert.Contains(t, repo.messages, "m1")
	assert.Equal(t, "c2", repo.cursors[1])
	assert.Empty(t, repo.checkpoints, "checkpoints cleared at task end")
}

func TestHandleBootstrapsEmptyCursor(t *testing.T) {
	repo := newFakeRepo(googleConn(1))

	drv := &fakeDriver{
		initialCursor: "anchor",
		listing:       []driver.ThreadStub{{ID: "t1"}},
		details: map[string]*driver.ThreadDetail{
			"t1": {Messages: []driver.CanonicalMessage{
				{ID: "m1", ThreadID: "t1", Sender: "a@x", ReceivedAt: time.Now()},
			}},
		},
	}

	p := newTestPipeline(t, repo, drv)
	require.NoError(t, p.Handle(context.Background(), store.NewSyncTask(models.ProviderGoogle, "", "sub-1")))

	assert.Equal(t, 1, drv.listCalls)
	assert.Contains(t, repo.messages, "m1")
	// After anchoring, one drain pass runs against the fresh cursor.
	assert.Equal(t, []string{"anchor"}, drv.changeCalls)
	assert.Equal(t, "anchor", repo.cursors[1])
}

func TestHandleExpiredCursorTriggersRefetch(t *testing.T) {
	repo := newFakeRepo(googleConn(1))
	repo.cursors[1] = "stale"

	drv := &fakeDriver{
		initialCursor: "fresh",
		listing:       []driver.ThreadStub{{ID: "t1"}},
		details: map[string]*driver.ThreadDetail{
			"t1": {Messages: []driver.CanonicalMessage{
				{ID: "m1", ThreadID: "t1", Sender: "a@x", ReceivedAt: time.Now()},
			}},
		},
		changes: func(string) (*driver.ChangeList, error) {
			return nil, driver.NewError(driver.KindNotFound, "fake", "changes", errors.New("cursor expired"))
		},
	}

	p := newTestPipeline(t, repo, drv)
	require.NoError(t, p.Handle(context.Background(), store.NewSyncTask(models.ProviderGoogle, "", "sub-1")))

	assert.Contains(t, repo.messages, "m1")
	assert.Equal(t, "fresh", repo.cursors[1])
}

func TestHandleRetriesTransientFailures(t *testing.T) {
	repo := newFakeRepo(googleConn(1))
	repo.cursors[1] = "c1"

	calls := 0
	drv := &fakeDriver{
		changes: func(cursor string) (*driver.ChangeList, error) {
			calls++
			if calls < 3 {
				return nil, driver.NewError(driver.KindTransient, "fake", "changes", errors.New("throttled"))
			}
			return &driver.ChangeList{NextCursor: "c2"}, nil
		},
	}

	var delays []time.Duration
	p := newTestPipeline(t, repo, drv)
	p.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, p.Handle(context.Background(), store.NewSyncTask(models.ProviderGoogle, "", "sub-1")))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{retryBase, retryBase * retryFactor}, delays)
	assert.Equal(t, "c2", repo.cursors[1])
}

func TestHandleGivesUpAfterRetryBudget(t *testing.T) {
	repo := newFakeRepo(googleConn(1))
	repo.cursors[1] = "c1"

	calls := 0
	drv := &fakeDriver{
		changes: func(string) (*driver.ChangeList, error) {
			calls++
			return nil, driver.NewError(driver.KindTransient, "fake", "changes", errors.New("down"))
		},
	}

	p := newTestPipeline(t, repo, drv)
	// Task-level handling swallows the per-connection failure.
	require.NoError(t, p.Handle(context.Background(), store.NewSyncTask(models.ProviderGoogle, "", "sub-1")))

	assert.Equal(t, retryMaxTry, calls)
	assert.Equal(t, "c1", repo.cursors[1], "cursor must not advance on failure")
	assert.Empty(t, repo.reconnects)
}

func TestHandleFlagsReconnectOnAuthFailure(t *testing.T) {
	repo := newFakeRepo(googleConn(1))
	repo.cursors[1] = "c1"

	drv := &fakeDriver{
		changes: func(string) (*driver.ChangeList, error) {
			return nil, driver.NewError(driver.KindAuth, "fake", "changes", errors.New("token revoked"))
		},
	}

	p := newTestPipeline(t, repo, drv)
	require.NoError(t, p.Handle(context.Background(), store.NewSyncTask(models.ProviderGoogle, "", "sub-1")))

	assert.Contains(t, repo.reconnects, uint(1))
	assert.True(t, repo.connections[1].NeedsReconnect)
}

func TestHandleSkipsFlaggedConnections(t *testing.T) {
	conn := googleConn(1)
	conn.NeedsReconnect = true
	repo := newFakeRepo(conn)

	drv := &fakeDriver{}
	p := newTestPipeline(t, repo, drv)
	require.NoError(t, p.Handle(context.Background(), store.NewSyncTask(models.ProviderGoogle, "", "sub-1")))

	assert.Empty(t, drv.changeCalls)
	assert.Zero(t, drv.listCalls)
}

func TestHandleResumesFromCheckpoint(t *testing.T) {
	repo := newFakeRepo(googleConn(1), googleConn(2))
	repo.cursors[1] = "c1"
	repo.cursors[2] = "c1"

	task := store.NewSyncTask(models.ProviderGoogle, "", "sub-1")
	// Connection 1 already applied on a previous delivery of this task.
	repo.checkpoints[checkpointKey(task.TaskKey, 1)] = 1

	var mu sync.Mutex
	synced := map[string]bool{}
	drv := &fakeDriver{
		changes: func(cursor string) (*driver.ChangeList, error) {
			mu.Lock()
			synced[cursor] = true
			mu.Unlock()
			return &driver.ChangeList{NextCursor: "c2"}, nil
		},
	}

	p := newTestPipeline(t, repo, drv)
	require.NoError(t, p.Handle(context.Background(), task))

	// Only one connection actually fetched.
	assert.Len(t, drv.changeCalls, 1)
	assert.Equal(t, "c1", repo.cursors[1], "checkpointed connection untouched")
	assert.Equal(t, "c2", repo.cursors[2])
}

func TestHandleReplayIsIdempotent(t *testing.T) {
	repo := newFakeRepo(googleConn(1))
	repo.cursors[1] = "c1"

	drv := &fakeDriver{
		changes: func(cursor string) (*driver.ChangeList, error) {
			return &driver.ChangeList{
				Messages: []driver.CanonicalMessage{
					{ID: "m1", ThreadID: "t1", Sender: "a@x", ReceivedAt: time.Now()},
				},
				NextCursor: "c2",
			}, nil
		},
	}

	p := newTestPipeline(t, repo, drv)
	task := store.NewSyncTask(models.ProviderGoogle, "", "sub-1")
	require.NoError(t, p.Handle(context.Background(), task))
	require.NoError(t, p.Handle(context.Background(), task))

	assert.Len(t, repo.messages, 1)
	assert.Len(t, repo.threads, 1)
}

func TestHandleTargetedTaskMissingConnection(t *testing.T) {
	repo := newFakeRepo()
	p := newTestPipeline(t, repo, &fakeDriver{})

	task := store.NewSyncTask(models.ProviderGoogle, "", "")
	task.ConnectionID = 99
	require.NoError(t, p.Handle(context.Background(), task))
}
