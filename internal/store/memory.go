package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ifuryst/postwave/internal/models"
)

// MemoryStore keeps everything in process. It backs tests and the "memory"
// database type; all reads return copies.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*models.ContentItem
	schedules map[string][]*models.Schedule
	channels  map[string]*models.Channel
	records   []models.PublishedRecord
	errorLogs []models.ErrorLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     make(map[string]*models.ContentItem),
		schedules: make(map[string][]*models.Schedule),
		channels:  make(map[string]*models.Channel),
	}
}

func copySchedule(s *models.Schedule) models.Schedule {
	c := *s
	if s.ClaimedAt != nil {
		t := *s.ClaimedAt
		c.ClaimedAt = &t
	}
	if s.PublishedAt != nil {
		t := *s.PublishedAt
		c.PublishedAt = &t
	}
	if s.NextAttemptAt != nil {
		t := *s.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return c
}

func (m *MemoryStore) snapshot(id string) *models.ContentItem {
	item := *m.items[id]
	item.MediaURLs = append(models.StringArray(nil), item.MediaURLs...)
	item.Hashtags = append(models.StringArray(nil), item.Hashtags...)
	item.Schedules = make([]models.Schedule, 0, len(m.schedules[id]))
	for _, s := range m.schedules[id] {
		item.Schedules = append(item.Schedules, copySchedule(s))
	}
	return &item
}

func (m *MemoryStore) putSchedules(item *models.ContentItem) {
	list := make([]*models.Schedule, 0, len(item.Schedules))
	for i := range item.Schedules {
		s := copySchedule(&item.Schedules[i])
		s.ContentItemID = item.ID
		if s.Version == 0 {
			s.Version = 1
		}
		list = append(list, &s)
	}
	m.schedules[item.ID] = list
}

func (m *MemoryStore) CreateItem(_ context.Context, item *models.ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; ok {
		return fmt.Errorf("%w: content item %s", ErrDuplicate, item.ID)
	}
	now := time.Now()
	stored := *item
	stored.Schedules = nil
	stored.CreatedAt, stored.UpdatedAt = now, now
	m.items[item.ID] = &stored
	m.putSchedules(item)
	for i := range item.Schedules {
		if item.Schedules[i].Version == 0 {
			item.Schedules[i].Version = 1
		}
	}
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, id string) (*models.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.items[id]; !ok {
		return nil, fmt.Errorf("%w: content item %s", ErrNotFound, id)
	}
	return m.snapshot(id), nil
}

func (m *MemoryStore) ReplaceItem(_ context.Context, item *models.ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.items[item.ID]
	if !ok {
		return fmt.Errorf("%w: content item %s", ErrNotFound, item.ID)
	}
	for _, s := range m.schedules[item.ID] {
		if lockedSchedule(s) {
			return fmt.Errorf("%w: schedule %s is %s", ErrConflict, s.ID, s.Status)
		}
	}

	stored := *item
	stored.Schedules = nil
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	stored.Status = models.DeriveStatus(item.Schedules)
	m.items[item.ID] = &stored
	m.putSchedules(item)
	for i := range item.Schedules {
		if item.Schedules[i].Version == 0 {
			item.Schedules[i].Version = 1
		}
	}
	return nil
}

func (m *MemoryStore) DeleteItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("%w: content item %s", ErrNotFound, id)
	}
	for _, s := range m.schedules[id] {
		if s.ClaimedAt != nil {
			return fmt.Errorf("%w: schedule %s has a publish in flight", ErrConflict, s.ID)
		}
	}
	delete(m.items, id)
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) SyncItemStatus(_ context.Context, id string) (models.ItemStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return "", fmt.Errorf("%w: content item %s", ErrNotFound, id)
	}
	list := make([]models.Schedule, 0, len(m.schedules[id]))
	for _, s := range m.schedules[id] {
		list = append(list, *s)
	}
	item.Status = models.DeriveStatus(list)
	item.UpdatedAt = time.Now()
	return item.Status, nil
}

func (m *MemoryStore) findSchedule(itemID, scheduleID string) *models.Schedule {
	for _, s := range m.schedules[itemID] {
		if s.ID == scheduleID {
			return s
		}
	}
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, itemID, scheduleID string) (*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.findSchedule(itemID, scheduleID)
	if s == nil {
		return nil, fmt.Errorf("%w: schedule %s/%s", ErrNotFound, itemID, scheduleID)
	}
	c := copySchedule(s)
	return &c, nil
}

func (m *MemoryStore) TransitionSchedule(_ context.Context, upd ScheduleUpdate) (*models.Schedule, error) {
	allowed, err := allowedPreImages(upd)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.findSchedule(upd.ItemID, upd.ScheduleID)
	if s == nil {
		return nil, fmt.Errorf("%w: schedule %s/%s", ErrNotFound, upd.ItemID, upd.ScheduleID)
	}
	if err := checkPreImage(s, upd, allowed); err != nil {
		return nil, err
	}
	applyChanges(s, upd.Set)
	s.UpdatedAt = time.Now()
	c := copySchedule(s)
	return &c, nil
}

func containsStatus(list []models.ScheduleStatus, st models.ScheduleStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListSchedules(_ context.Context, f ScheduleFilter) ([]models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Schedule
	for _, list := range m.schedules {
		for _, s := range list {
			if len(f.Statuses) > 0 && !containsStatus(f.Statuses, s.Status) {
				continue
			}
			if f.DueBefore != nil && s.ScheduledFor.After(*f.DueBefore) {
				continue
			}
			if f.Unclaimed && s.ClaimedAt != nil {
				continue
			}
			if f.ClaimedBefore != nil && (s.ClaimedAt == nil || !s.ClaimedAt.Before(*f.ClaimedBefore)) {
				continue
			}
			out = append(out, copySchedule(s))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountSchedulesByStatus(_ context.Context) (map[models.ScheduleStatus]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[models.ScheduleStatus]int64)
	for _, list := range m.schedules {
		for _, s := range list {
			counts[s.Status]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) GetChannel(_ context.Context, id string) (*models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s", ErrNotFound, id)
	}
	c := *ch
	return &c, nil
}

func (m *MemoryStore) SaveChannel(_ context.Context, ch *models.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *ch
	if c.ConnectionStatus == "" {
		c.ConnectionStatus = models.ConnectionStatusActive
	}
	m.channels[ch.ID] = &c
	return nil
}

func (m *MemoryStore) UpdateChannelStatus(_ context.Context, id string, status models.ConnectionStatus, tokenExpiresAt *time.Time, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, id)
	}
	ch.ConnectionStatus = status
	if tokenExpiresAt != nil {
		t := *tokenExpiresAt
		ch.TokenExpiresAt = &t
	}
	ch.LastCheckedAt = &checkedAt
	return nil
}

func (m *MemoryStore) CreatePublishedRecord(_ context.Context, rec *models.PublishedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.Provider == rec.Provider && r.PlatformPostID == rec.PlatformPostID {
			return fmt.Errorf("%w: %s post %s", ErrDuplicate, rec.Provider, rec.PlatformPostID)
		}
	}
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryStore) ListPublishedRecords(_ context.Context, itemID string) ([]models.PublishedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PublishedRecord
	for _, r := range m.records {
		if r.ContentItemID == itemID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordError(_ context.Context, entry *models.ErrorLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	e.ID = uint(len(m.errorLogs) + 1)
	e.CreatedAt = time.Now()
	m.errorLogs = append(m.errorLogs, e)
	return nil
}

// ErrorLogs returns recorded error entries, oldest first
func (m *MemoryStore) ErrorLogs() []models.ErrorLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ErrorLog(nil), m.errorLogs...)
}
