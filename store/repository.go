package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Chandorkar-Technologies/Zero-sub000/models"
)

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// Repository is the narrow persistence boundary the core talks through.
// Everything behind it is gorm + postgres; nothing outside this package
// builds queries.
type Repository interface {
	// Connections
	ConnectionByID(ctx context.Context, id uint) (*models.Connection, error)
	ConnectionsByUser(ctx context.Context, userID uint) ([]models.Connection, error)
	ConnectionsBySubscription(ctx context.Context, subscriptionID string) ([]models.Connection, error)
	ConnectionsForSweep(ctx context.Context, olderThan time.Time) ([]models.Connection, error)
	CreateConnection(ctx context.Context, conn *models.Connection) error
	SaveConnection(ctx context.Context, conn *models.Connection) error
	DeleteConnection(ctx context.Context, id uint) error
	FlagReconnect(ctx context.Context, id uint, cause string) error
	TouchLastSynced(ctx context.Context, id uint, at time.Time) error

	// Threads and messages
	UpsertThread(ctx context.Context, thread *models.Thread) error
	UpsertMessage(ctx context.Context, msg *models.Message) error
	DeleteMessages(ctx context.Context, connectionID uint, providerMessageIDs []string) error
	DeleteThread(ctx context.Context, connectionID uint, threadID string) error
	ThreadsByLabel(ctx context.Context, connectionID uint, label, query string, limit, offset int) ([]models.Thread, error)
	ThreadByID(ctx context.Context, connectionID uint, threadID string) (*models.Thread, error)
	MessagesByThread(ctx context.Context, connectionID uint, threadID string) ([]models.Message, error)
	MessageByProviderID(ctx context.Context, connectionID uint, providerMessageID string) (*models.Message, error)
	SetThreadRead(ctx context.Context, connectionID uint, threadID string, read bool) error
	ApplyThreadLabels(ctx context.Context, connectionID uint, threadID string, add, remove []string) error

	// Sync cursors
	Cursor(ctx context.Context, connectionID uint, providerKind string) (string, error)
	SetCursor(ctx context.Context, connectionID uint, providerKind, token string) error

	// Subscriptions
	SubscriptionByConnection(ctx context.Context, connectionID uint) (*models.Subscription, error)
	ClaimSubscription(ctx context.Context, connectionID uint, staleBefore time.Time) (bool, error)
	SaveSubscriptionResult(ctx context.Context, connectionID uint, subscriptionID string, expiresAt time.Time) error
	ClearSubscription(ctx context.Context, connectionID uint) error

	// Workflow checkpoints
	CheckpointStep(ctx context.Context, taskKey string, connectionID uint) (int, error)
	SetCheckpointStep(ctx context.Context, taskKey string, connectionID uint, step int) error
	ClearCheckpoints(ctx context.Context, taskKey string) error

	// Style matrix
	StyleMatrix(ctx context.Context, connectionID uint) (*models.StyleMatrix, error)
	SaveStyleMatrix(ctx context.Context, matrix *models.StyleMatrix) error
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) ConnectionByID(ctx context.Context, id uint) (*models.Connection, error) {
	var conn models.Connection
	err := r.db.WithContext(ctx).First(&conn, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *gormRepository) ConnectionsByUser(ctx context.Context, userID uint) ([]models.Connection, error) {
	var conns []models.Connection
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&conns).Error
	return conns, err
}

func (r *gormRepository) ConnectionsBySubscription(ctx context.Context, subscriptionID string) ([]models.Connection, error) {
	var conns []models.Connection
	err := r.db.WithContext(ctx).
		Joins("JOIN subscriptions ON subscriptions.connection_id = connections.id").
		Where("subscriptions.subscription_id = ? AND subscriptions.deleted_at IS NULL", subscriptionID).
		Find(&conns).Error
	return conns, err
}

// ConnectionsForSweep returns connections holding credentials whose push
// subscription is absent or last registered before the cutoff.
func (r *gormRepository) ConnectionsForSweep(ctx context.Context, olderThan time.Time) ([]models.Connection, error) {
	var conns []models.Connection
	err := r.db.WithContext(ctx).
		Joins("LEFT JOIN subscriptions ON subscriptions.connection_id = connections.id AND subscriptions.deleted_at IS NULL").
		Where("connections.needs_reconnect = ?", false).
		Where("subscriptions.id IS NULL OR subscriptions.last_subscribed_at IS NULL OR subscriptions.last_subscribed_at < ?", olderThan).
		Find(&conns).Error
	return conns, err
}

func (r *gormRepository) CreateConnection(ctx context.Context, conn *models.Connection) error {
	return r.db.WithContext(ctx).Create(conn).Error
}

func (r *gormRepository) SaveConnection(ctx context.Context, conn *models.Connection) error {
	return r.db.WithContext(ctx).Save(conn).Error
}

func (r *gormRepository) DeleteConnection(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ?", id).Delete(&models.Thread{}).Error; err != nil {
			return err
		}
		if err := tx.Where("connection_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("connection_id = ?", id).Delete(&models.SyncCursor{}).Error; err != nil {
			return err
		}
		if err := tx.Where("connection_id = ?", id).Delete(&models.Subscription{}).Error; err != nil {
			return err
		}
		if err := tx.Where("connection_id = ?", id).Delete(&models.StyleMatrix{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Connection{}, id).Error
	})
}

func (r *gormRepository) FlagReconnect(ctx context.Context, id uint, cause string) error {
	return r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"needs_reconnect": true,
			"last_error":      cause,
		}).Error
}

func (r *gormRepository) TouchLastSynced(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Update("last_synced_at", at).Error
}

func (r *gormRepository) UpsertThread(ctx context.Context, thread *models.Thread) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "connection_id"}, {Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subject", "sender", "latest_received_at", "labels", "updated_at",
		}),
	}).Create(thread).Error
}

func (r *gormRepository) UpsertMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "connection_id"}, {Name: "provider_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"thread_id", "in_reply_to", "references", "sender", "to", "cc", "bcc",
			"subject", "snippet", "body", "blob_key", "received_at", "is_read",
			"labels", "updated_at",
		}),
	}).Create(msg).Error
}

func (r *gormRepository) DeleteMessages(ctx context.Context, connectionID uint, providerMessageIDs []string) error {
	if len(providerMessageIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("connection_id = ? AND provider_message_id IN ?", connectionID, providerMessageIDs).
		Delete(&models.Message{}).Error
}

func (r *gormRepository) DeleteThread(ctx context.Context, connectionID uint, threadID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ? AND thread_id = ?", connectionID, threadID).
			Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("connection_id = ? AND thread_id = ?", connectionID, threadID).
			Delete(&models.Thread{}).Error
	})
}

func (r *gormRepository) ThreadsByLabel(ctx context.Context, connectionID uint, label, query string, limit, offset int) ([]models.Thread, error) {
	q := r.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("latest_received_at DESC")
	if label != "" {
		q = q.Where("labels -> 'labels' @> ?", fmt.Sprintf("%q", label))
	}
	if query != "" {
		q = q.Where("subject ILIKE ?", "%"+query+"%")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var threads []models.Thread
	err := q.Find(&threads).Error
	return threads, err
}

func (r *gormRepository) ThreadByID(ctx context.Context, connectionID uint, threadID string) (*models.Thread, error) {
	var thread models.Thread
	err := r.db.WithContext(ctx).
		Where("connection_id = ? AND thread_id = ?", connectionID, threadID).
		First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

func (r *gormRepository) MessagesByThread(ctx context.Context, connectionID uint, threadID string) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Where("connection_id = ? AND thread_id = ?", connectionID, threadID).
		Order("received_at ASC").
		Find(&msgs).Error
	return msgs, err
}

func (r *gormRepository) MessageByProviderID(ctx context.Context, connectionID uint, providerMessageID string) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Where("connection_id = ? AND provider_message_id = ?", connectionID, providerMessageID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *gormRepository) SetThreadRead(ctx context.Context, connectionID uint, threadID string, read bool) error {
	return r.db.WithContext(ctx).Model(&models.Message{}).
		Where("connection_id = ? AND thread_id = ?", connectionID, threadID).
		Update("is_read", read).Error
}

func (r *gormRepository) ApplyThreadLabels(ctx context.Context, connectionID uint, threadID string, add, remove []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		err := tx.Where("connection_id = ? AND thread_id = ?", connectionID, threadID).
			First(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		for _, l := range add {
			thread.Labels.Add(l)
		}
		for _, l := range remove {
			thread.Labels.Remove(l)
		}
		if err := tx.Model(&thread).Update("labels", thread.Labels).Error; err != nil {
			return err
		}

		var msgs []models.Message
		if err := tx.Where("connection_id = ? AND thread_id = ?", connectionID, threadID).
			Find(&msgs).Error; err != nil {
			return err
		}
		for i := range msgs {
			for _, l := range add {
				msgs[i].Labels.Add(l)
			}
			for _, l := range remove {
				msgs[i].Labels.Remove(l)
			}
			if err := tx.Model(&msgs[i]).Update("labels", msgs[i].Labels).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *gormRepository) Cursor(ctx context.Context, connectionID uint, providerKind string) (string, error) {
	var cursor models.SyncCursor
	err := r.db.WithContext(ctx).
		Where("connection_id = ? AND provider_kind = ?", connectionID, providerKind).
		First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor.Token, nil
}

func (r *gormRepository) SetCursor(ctx context.Context, connectionID uint, providerKind, token string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}, {Name: "provider_kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
	}).Create(&models.SyncCursor{
		ConnectionID: connectionID,
		ProviderKind: providerKind,
		Token:        token,
	}).Error
}

func (r *gormRepository) SubscriptionByConnection(ctx context.Context, connectionID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ClaimSubscription takes the local idempotency marker for one connection.
// The conditional UPDATE only matches rows whose last_subscribed_at predates
// the cutoff, so concurrent sweeps race for a single affected row and all
// but one claimant lose.
func (r *gormRepository) ClaimSubscription(ctx context.Context, connectionID uint, staleBefore time.Time) (bool, error) {
	db := r.db.WithContext(ctx)

	// Ensure the row exists so the claim below is a pure conditional UPDATE.
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}},
		DoNothing: true,
	}).Create(&models.Subscription{ConnectionID: connectionID}).Error
	if err != nil {
		return false, err
	}

	now := time.Now()
	res := db.Model(&models.Subscription{}).
		Where("connection_id = ?", connectionID).
		Where("last_subscribed_at IS NULL OR last_subscribed_at < ?", staleBefore).
		Update("last_subscribed_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) SaveSubscriptionResult(ctx context.Context, connectionID uint, subscriptionID string, expiresAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("connection_id = ?", connectionID).
		Updates(map[string]interface{}{
			"subscription_id": subscriptionID,
			"expires_at":      expiresAt,
		}).Error
}

func (r *gormRepository) ClearSubscription(ctx context.Context, connectionID uint) error {
	return r.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Delete(&models.Subscription{}).Error
}

func (r *gormRepository) CheckpointStep(ctx context.Context, taskKey string, connectionID uint) (int, error) {
	var cp models.SyncCheckpoint
	err := r.db.WithContext(ctx).
		Where("task_key = ? AND connection_id = ?", taskKey, connectionID).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cp.Step, nil
}

func (r *gormRepository) SetCheckpointStep(ctx context.Context, taskKey string, connectionID uint, step int) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_key"}, {Name: "connection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"step", "updated_at"}),
	}).Create(&models.SyncCheckpoint{
		TaskKey:      taskKey,
		ConnectionID: connectionID,
		Step:         step,
	}).Error
}

func (r *gormRepository) ClearCheckpoints(ctx context.Context, taskKey string) error {
	return r.db.WithContext(ctx).
		Where("task_key = ?", taskKey).
		Delete(&models.SyncCheckpoint{}).Error
}

func (r *gormRepository) StyleMatrix(ctx context.Context, connectionID uint) (*models.StyleMatrix, error) {
	var matrix models.StyleMatrix
	err := r.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		First(&matrix).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.StyleMatrix{ConnectionID: connectionID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &matrix, nil
}

func (r *gormRepository) SaveStyleMatrix(ctx context.Context, matrix *models.StyleMatrix) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"sample_count", "state", "updated_at"}),
	}).Create(matrix).Error
}
