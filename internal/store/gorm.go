package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/models"
)

func NewDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Host, cfg.Username, cfg.Password, cfg.Database, cfg.Port, cfg.SSLMode, cfg.TimeZone)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	return db, nil
}

// Migrate creates or updates the schema
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.ContentItem{},
		&models.Schedule{},
		&models.Channel{},
		&models.PublishedRecord{},
		&models.ErrorLog{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s", ErrDuplicate, what)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func (g *GormStore) CreateItem(ctx context.Context, item *models.ContentItem) error {
	for i := range item.Schedules {
		item.Schedules[i].ContentItemID = item.ID
		if item.Schedules[i].Version == 0 {
			item.Schedules[i].Version = 1
		}
	}
	return translate(g.db.WithContext(ctx).Create(item).Error, "content item "+item.ID)
}

func (g *GormStore) GetItem(ctx context.Context, id string) (*models.ContentItem, error) {
	var item models.ContentItem
	err := g.db.WithContext(ctx).
		Preload("Schedules", func(db *gorm.DB) *gorm.DB {
			return db.Order("scheduled_for ASC")
		}).
		First(&item, "id = ?", id).Error
	if err != nil {
		return nil, translate(err, "content item "+id)
	}
	return &item, nil
}

func (g *GormStore) ReplaceItem(ctx context.Context, item *models.ContentItem) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.ContentItem
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", item.ID).Error; err != nil {
			return translate(err, "content item "+item.ID)
		}

		var existing []models.Schedule
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("content_item_id = ?", item.ID).
			Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to lock schedules: %w", err)
		}
		for i := range existing {
			if lockedSchedule(&existing[i]) {
				return fmt.Errorf("%w: schedule %s is %s", ErrConflict, existing[i].ID, existing[i].Status)
			}
		}

		if err := tx.Where("content_item_id = ?", item.ID).Delete(&models.Schedule{}).Error; err != nil {
			return fmt.Errorf("failed to delete schedules: %w", err)
		}
		for i := range item.Schedules {
			item.Schedules[i].ContentItemID = item.ID
			if item.Schedules[i].Version == 0 {
				item.Schedules[i].Version = 1
			}
		}
		if len(item.Schedules) > 0 {
			if err := tx.Create(&item.Schedules).Error; err != nil {
				return translate(err, "schedules of "+item.ID)
			}
		}

		item.Status = models.DeriveStatus(item.Schedules)
		return tx.Model(&models.ContentItem{}).Where("id = ?", item.ID).Updates(map[string]interface{}{
			"title":                      item.Title,
			"text":                       item.Text,
			"media_urls":                 item.MediaURLs,
			"hashtags":                   item.Hashtags,
			"settings_require_approval":  item.Settings.RequireApproval,
			"settings_notify_on_publish": item.Settings.NotifyOnPublish,
			"status":                     item.Status,
		}).Error
	})
}

func (g *GormStore) DeleteItem(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Postgres refuses FOR UPDATE on aggregates, so lock the rows and count here
		var schedules []models.Schedule
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("content_item_id = ?", id).
			Find(&schedules).Error; err != nil {
			return fmt.Errorf("failed to lock schedules: %w", err)
		}
		for i := range schedules {
			if schedules[i].ClaimedAt != nil {
				return fmt.Errorf("%w: content item %s has a publish in flight", ErrConflict, id)
			}
		}

		if err := tx.Where("content_item_id = ?", id).Delete(&models.Schedule{}).Error; err != nil {
			return fmt.Errorf("failed to delete schedules: %w", err)
		}
		res := tx.Delete(&models.ContentItem{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete content item: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: content item %s", ErrNotFound, id)
		}
		return nil
	})
}

func (g *GormStore) SyncItemStatus(ctx context.Context, id string) (models.ItemStatus, error) {
	var status models.ItemStatus
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var schedules []models.Schedule
		if err := tx.Where("content_item_id = ?", id).Find(&schedules).Error; err != nil {
			return fmt.Errorf("failed to load schedules: %w", err)
		}
		status = models.DeriveStatus(schedules)
		res := tx.Model(&models.ContentItem{}).Where("id = ?", id).Update("status", status)
		if res.Error != nil {
			return fmt.Errorf("failed to update item status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: content item %s", ErrNotFound, id)
		}
		return nil
	})
	return status, err
}

func (g *GormStore) GetSchedule(ctx context.Context, itemID, scheduleID string) (*models.Schedule, error) {
	var s models.Schedule
	if err := g.db.WithContext(ctx).
		First(&s, "content_item_id = ? AND id = ?", itemID, scheduleID).Error; err != nil {
		return nil, translate(err, "schedule "+itemID+"/"+scheduleID)
	}
	return &s, nil
}

func scheduleColumns(c ScheduleChanges) map[string]interface{} {
	cols := map[string]interface{}{
		"status":     c.Status,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
	if c.JobID != nil {
		cols["job_id"] = *c.JobID
	}
	if c.ClaimedAt != nil {
		cols["claimed_at"] = *c.ClaimedAt
	}
	if c.ReleaseClaim {
		cols["claimed_at"] = nil
	}
	if c.PublishedAt != nil {
		cols["published_at"] = *c.PublishedAt
	}
	if c.PlatformPostID != nil {
		cols["platform_post_id"] = *c.PlatformPostID
	}
	if c.PlatformURL != nil {
		cols["platform_url"] = *c.PlatformURL
	}
	if c.Error != nil {
		cols["error"] = *c.Error
	}
	if c.IncrementRetry {
		cols["retry_count"] = gorm.Expr("retry_count + 1")
	}
	if c.NextAttemptAt != nil {
		cols["next_attempt_at"] = *c.NextAttemptAt
	}
	return cols
}

func (g *GormStore) TransitionSchedule(ctx context.Context, upd ScheduleUpdate) (*models.Schedule, error) {
	allowed, err := allowedPreImages(upd)
	if err != nil {
		return nil, err
	}

	var out models.Schedule
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Schedule{}).
			Where("content_item_id = ? AND id = ?", upd.ItemID, upd.ScheduleID).
			Where("status IN ?", allowed)
		if upd.ExpectVersion != 0 {
			q = q.Where("version = ?", upd.ExpectVersion)
		}
		if upd.RequireUnclaimed {
			q = q.Where("claimed_at IS NULL")
		}

		res := q.Updates(scheduleColumns(upd.Set))
		if res.Error != nil {
			return fmt.Errorf("failed to update schedule: %w", res.Error)
		}

		if err := tx.First(&out, "content_item_id = ? AND id = ?", upd.ItemID, upd.ScheduleID).Error; err != nil {
			return translate(err, "schedule "+upd.ItemID+"/"+upd.ScheduleID)
		}
		if res.RowsAffected == 0 {
			if err := checkPreImage(&out, upd, allowed); err != nil {
				return err
			}
			return fmt.Errorf("%w: schedule %s not updated", ErrConflict, upd.ScheduleID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *GormStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]models.Schedule, error) {
	q := g.db.WithContext(ctx).
		Model(&models.Schedule{}).
		Select("schedules.*").
		Joins("JOIN content_items ON content_items.id = schedules.content_item_id AND content_items.deleted_at IS NULL")
	if len(f.Statuses) > 0 {
		q = q.Where("schedules.status IN ?", f.Statuses)
	}
	if f.DueBefore != nil {
		q = q.Where("schedules.scheduled_for <= ?", *f.DueBefore)
	}
	if f.Unclaimed {
		q = q.Where("schedules.claimed_at IS NULL")
	}
	if f.ClaimedBefore != nil {
		q = q.Where("schedules.claimed_at < ?", *f.ClaimedBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []models.Schedule
	if err := q.Order("schedules.scheduled_for ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return out, nil
}

func (g *GormStore) CountSchedulesByStatus(ctx context.Context) (map[models.ScheduleStatus]int64, error) {
	var rows []struct {
		Status models.ScheduleStatus
		Count  int64
	}
	if err := g.db.WithContext(ctx).
		Model(&models.Schedule{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count schedules: %w", err)
	}

	counts := make(map[models.ScheduleStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (g *GormStore) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	var ch models.Channel
	if err := g.db.WithContext(ctx).First(&ch, "id = ?", id).Error; err != nil {
		return nil, translate(err, "channel "+id)
	}
	return &ch, nil
}

func (g *GormStore) SaveChannel(ctx context.Context, ch *models.Channel) error {
	return translate(g.db.WithContext(ctx).Save(ch).Error, "channel "+ch.ID)
}

func (g *GormStore) UpdateChannelStatus(ctx context.Context, id string, status models.ConnectionStatus, tokenExpiresAt *time.Time, checkedAt time.Time) error {
	cols := map[string]interface{}{
		"connection_status": status,
		"last_checked_at":   checkedAt,
	}
	if tokenExpiresAt != nil {
		cols["token_expires_at"] = *tokenExpiresAt
	}
	res := g.db.WithContext(ctx).Model(&models.Channel{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("failed to update channel: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: channel %s", ErrNotFound, id)
	}
	return nil
}

func (g *GormStore) CreatePublishedRecord(ctx context.Context, rec *models.PublishedRecord) error {
	return translate(g.db.WithContext(ctx).Create(rec).Error,
		fmt.Sprintf("%s post %s", rec.Provider, rec.PlatformPostID))
}

func (g *GormStore) ListPublishedRecords(ctx context.Context, itemID string) ([]models.PublishedRecord, error) {
	var out []models.PublishedRecord
	if err := g.db.WithContext(ctx).
		Where("content_item_id = ?", itemID).
		Order("published_at ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list published records: %w", err)
	}
	return out, nil
}

func (g *GormStore) RecordError(ctx context.Context, entry *models.ErrorLog) error {
	if entry.Context == "" {
		entry.Context = "{}"
	}
	return g.db.WithContext(ctx).Create(entry).Error
}
