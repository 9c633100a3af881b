package actor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
)

// fakeRepo keeps the mail state in maps. Unimplemented Repository methods
// panic through the embedded nil interface.
type fakeRepo struct {
	store.Repository

	mu       sync.Mutex
	messages map[string]*models.Message // key: providerMessageID
	threads  map[string]*models.Thread  // key: threadID
	cursors  map[string]string
	matrices map[uint]*models.StyleMatrix
	synced   map[uint]time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		messages: make(map[string]*models.Message),
		threads:  make(map[string]*models.Thread),
		cursors:  make(map[string]string),
		matrices: make(map[uint]*models.StyleMatrix),
		synced:   make(map[uint]time.Time),
	}
}

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

func (f *fakeRepo) DeleteThread(_ context.Context, _ uint, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threads, threadID)
	for id, m := range f.messages {
		if m.ThreadID == threadID {
			delete(f.messages, id)
		}
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

func (f *fakeRepo) MessagesByThread(_ context.Context, _ uint, threadID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages {
		if m.ThreadID == threadID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeRepo) SetThreadRead(_ context.Context, _ uint, threadID string, read bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ThreadID == threadID {
			m.IsRead = read
			if read {
				m.Labels.Remove(models.LabelUnread)
			} else {
				m.Labels.Add(models.LabelUnread)
			}
		}
	}
	return nil
}

func (f *fakeRepo) ApplyThreadLabels(_ context.Context, _ uint, threadID string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.threads[threadID]; ok {
		for _, l := range add {
			t.Labels.Add(l)
		}
		for _, l := range remove {
			t.Labels.Remove(l)
		}
	}
	return nil
}

func (f *fakeRepo) SetCursor(_ context.Context, connectionID uint, providerKind, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[providerKind] = token
	return nil
}

func (f *fakeRepo) TouchLastSynced(_ context.Context, id uint, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced[id] = at
	return nil
}

func (f *fakeRepo) StyleMatrix(_ context.Context, connectionID uint) (*models.StyleMatrix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.matrices[connectionID]; ok {
		cp := *m
		return &cp, nil
	}
	return &models.StyleMatrix{ConnectionID: connectionID}, nil
}

func (f *fakeRepo) SaveStyleMatrix(_ context.Context, matrix *models.StyleMatrix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *matrix
	f.matrices[matrix.ConnectionID] = &cp
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Publish(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func newTestActors(t *testing.T) (*Actors, *fakeRepo, *store.MemoryBlobStore, *captureSink) {
	t.Helper()
	repo := newFakeRepo()
	blobs := store.NewMemoryBlobStore()
	sink := &captureSink{}
	d := NewDispatcher(2, 16, testLogger())
	d.Start()
	t.Cleanup(d.Stop)
	return New(d, repo, blobs, store.NewMailbox(repo, blobs), sink, testLogger()), repo, blobs, sink
}

func TestUpsertBatchPersistsMessagesAndThreads(t *testing.T) {
	actors, repo, _, sink := newTestActors(t)
	ctx := context.Background()

	now := time.Now()
	err := actors.For(1).UpsertBatch(ctx, Batch{
		ProviderKind: models.ProviderGoogle,
		Messages: []driver.CanonicalMessage{
			{
				ID: "m1", ThreadID: "t1", Sender: "a@example.com",
				Subject: "First", Body: "hello", ReceivedAt: now.Add(-time.Hour),
				Labels: []string{models.LabelInbox},
			},
			{
				ID: "m2", ThreadID: "t1", Sender: "b@example.com",
				Subject: "Re: First", Body: "reply", ReceivedAt: now,
				Labels: []string{models.LabelInbox, models.LabelUnread},
			},
		},
		NextCursor: "cursor-42",
	})
	require.NoError(t, err)

	require.Len(t, repo.messages, 2)
	thread := repo.threads["t1"]
	require.NotNil(t, thread)
	// The newest message defines the thread summary.
	assert.Equal(t, "Re: First", thread.Subject)
	assert.Equal(t, "b@example.com", thread.Sender)
	assert.True(t, thread.Labels.Has(models.LabelInbox))
	assert.True(t, thread.Labels.Has(models.LabelUnread))

	assert.Equal(t, "cursor-42", repo.cursors[models.ProviderGoogle])
	require.Len(t, sink.events, 1)
	assert.Equal(t, "batch_applied", sink.events[0].Stage)
	assert.Equal(t, 2, sink.events[0].Messages)
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	actors, repo, _, _ := newTestActors(t)
	ctx := context.Background()

	batch := Batch{
		ProviderKind: models.ProviderGoogle,
		Messages: []driver.CanonicalMessage{
			{ID: "m1", ThreadID: "t1", Sender: "a@example.com", Subject: "Hi", ReceivedAt: time.Now()},
		},
		NextCursor: "c1",
	}
	require.NoError(t, actors.For(1).UpsertBatch(ctx, batch))
	require.NoError(t, actors.For(1).UpsertBatch(ctx, batch))

	assert.Len(t, repo.messages, 1)
	assert.Len(t, repo.threads, 1)
	assert.Equal(t, "c1", repo.cursors[models.ProviderGoogle])
}

func TestUpsertBatchCollapsesReplyChains(t *testing.T) {
	actors, repo, _, _ := newTestActors(t)
	ctx := context.Background()

	require.NoError(t, actors.For(1).UpsertBatch(ctx, Batch{
		ProviderKind: models.ProviderIMAP,
		Messages: []driver.CanonicalMessage{
			{ID: "root@x", ThreadID: "root@x", Sender: "a@x", ReceivedAt: time.Now()},
		},
	}))

	// The reply carries its own id as thread hint but references the root.
	require.NoError(t, actors.For(1).UpsertBatch(ctx, Batch{
		ProviderKind: models.ProviderIMAP,
		Messages: []driver.CanonicalMessage{
			{ID: "reply@x", ThreadID: "reply@x", InReplyTo: "root@x", Sender: "b@x", ReceivedAt: time.Now()},
		},
	}))

	reply := repo.messages["reply@x"]
	require.NotNil(t, reply)
	assert.Equal(t, "root@x", reply.ThreadID)
	assert.Len(t, repo.threads, 1)
}

func TestUpsertBatchOffloadsLargeBodies(t *testing.T) {
	actors, repo, blobs, _ := newTestActors(t)
	ctx := context.Background()

	big := strings.Repeat("x", inlineBodyLimit+1)
	require.NoError(t, actors.For(9).UpsertBatch(ctx, Batch{
		ProviderKind: models.ProviderGoogle,
		Messages: []driver.CanonicalMessage{
			{ID: "m-big", ThreadID: "t1", Sender: "a@x", Body: big, ReceivedAt: time.Now()},
		},
	}))

	msg := repo.messages["m-big"]
	require.NotNil(t, msg)
	assert.Empty(t, msg.Body)
	assert.Equal(t, store.BlobKey(9, "m-big"), msg.BlobKey)

	stored, err := blobs.Get(ctx, msg.BlobKey)
	require.NoError(t, err)
	assert.Equal(t, big, stored)
}

func TestApplyLabelMutationTrashDeletesThread(t *testing.T) {
	actors, repo, blobs, _ := newTestActors(t)
	ctx := context.Background()

	big := strings.Repeat("y", inlineBodyLimit+1)
	require.NoError(t, actors.For(2).UpsertBatch(ctx, Batch{
		ProviderKind: models.ProviderGoogle,
		Messages: []driver.CanonicalMessage{
			{ID: "m1", ThreadID: "t1", Sender: "a@x", Body: big, ReceivedAt: time.Now()},
		},
	}))
	blobKey := repo.messages["m1"].BlobKey

	require.NoError(t, actors.For(2).ApplyLabelMutation(ctx, "t1", driver.LabelChange{
		AddLabels: []string{models.LabelTrash},
	}))

	assert.Empty(t, repo.threads)
	assert.Empty(t, repo.messages)
	_, err := blobs.Get(ctx, blobKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyLabelMutationReadToggle(t *testing.T) {
	actors, repo, _, _ := newTestActors(t)
	ctx := context.Background()

	require.NoError(t, actors.For(2).UpsertBatch(ctx, Batch{
		ProviderKind: models.ProviderGoogle,
		Messages: []driver.CanonicalMessage{
			{ID: "m1", ThreadID: "t1", Sender: "a@x", ReceivedAt: time.Now(), Labels: []string{models.LabelUnread}},
		},
	}))

	require.NoError(t, actors.For(2).ApplyLabelMutation(ctx, "t1", driver.LabelChange{
		RemoveLabels: []string{models.LabelUnread},
	}))
	assert.True(t, repo.messages["m1"].IsRead)

	require.NoError(t, actors.For(2).ApplyLabelMutation(ctx, "t1", driver.LabelChange{
		AddLabels: []string{models.LabelUnread},
	}))
	assert.False(t, repo.messages["m1"].IsRead)
}

func TestApplyLabelMutationPlainLabels(t *testing.T) {
	actors, repo, _, _ := newTestActors(t)
	ctx := context.Background()

	require.NoError(t, actors.For(2).UpsertBatch(ctx, Batch{
		ProviderKind: models.ProviderGoogle,
		Messages: []driver.CanonicalMessage{
			{ID: "m1", ThreadID: "t1", Sender: "a@x", ReceivedAt: time.Now(), Labels: []string{models.LabelInbox}},
		},
	}))

	require.NoError(t, actors.For(2).ApplyLabelMutation(ctx, "t1", driver.LabelChange{
		AddLabels:    []string{models.LabelArchive},
		RemoveLabels: []string{models.LabelInbox},
	}))

	thread := repo.threads["t1"]
	require.NotNil(t, thread)
	assert.True(t, thread.Labels.Has(models.LabelArchive))
	assert.False(t, thread.Labels.Has(models.LabelInbox))
}

func TestConcurrentSetThreadReadConverges(t *testing.T) {
	actors, repo, _, _ := newTestActors(t)
	ctx := context.Background()

	require.NoError(t, actors.For(5).UpsertBatch(ctx, Batch{
		ProviderKind: models.ProviderGoogle,
		Messages: []driver.CanonicalMessage{
			{ID: "m1", ThreadID: "t1", Sender: "a@x", ReceivedAt: time.Now()},
		},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, actors.For(5).SetThreadRead(ctx, "t1", true))
		}()
	}
	wg.Wait()

	assert.True(t, repo.messages["m1"].IsRead)
}

func TestMergeStyleSampleAccumulates(t *testing.T) {
	actors, repo, _, _ := newTestActors(t)
	ctx := context.Background()

	require.NoError(t, actors.For(3).MergeStyleSample(ctx, "Hi, short note."))
	require.NoError(t, actors.For(3).MergeStyleSample(ctx, "Thanks for the review! Merging now."))

	matrix := repo.matrices[3]
	require.NotNil(t, matrix)
	assert.Equal(t, int64(2), matrix.SampleCount)
	assert.NotEmpty(t, matrix.State.Mean)
}
