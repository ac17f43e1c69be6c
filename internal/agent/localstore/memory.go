package localstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"SiteAttend/internal/model"
)

// MemoryStore 进程内存储，用于测试与显式允许的 AGENT_DB_DRIVER=memory
type MemoryStore struct {
	attendance map[string]model.LocalAttendance
	items      map[int64]model.SyncQueueItem
	sites      map[string]model.LocalSite
	nextID     int64
	mu         sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attendance: make(map[string]model.LocalAttendance),
		items:      make(map[int64]model.SyncQueueItem),
		sites:      make(map[string]model.LocalSite),
	}
}

func attendanceKey(userID, day string) string {
	return userID + "/" + day
}

func (m *MemoryStore) FindByUserDate(ctx context.Context, userID, day string) (*model.LocalAttendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.attendance[attendanceKey(userID, day)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) SaveAttendance(ctx context.Context, rec *model.LocalAttendance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.attendance[attendanceKey(rec.UserID, rec.WorkDate)] = *rec
	return nil
}

func (m *MemoryStore) LoadSite(ctx context.Context, userID string) (*model.LocalSite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	site, ok := m.sites[userID]
	if !ok {
		return nil, nil
	}
	return &site, nil
}

func (m *MemoryStore) SaveSite(ctx context.Context, site *model.LocalSite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sites[site.UserID] = *site
	return nil
}

func (m *MemoryStore) ReplaceItem(ctx context.Context, item *model.SyncQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.items {
		if existing.EntityType == item.EntityType && existing.EntityID == item.EntityID {
			delete(m.items, id)
		}
	}

	m.nextID++
	item.ID = m.nextID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	m.items[item.ID] = *item
	return nil
}

func (m *MemoryStore) DrainableItems(ctx context.Context) ([]model.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.SyncQueueItem, 0, len(m.items))
	for _, item := range m.items {
		if item.Status.Drainable() {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) StaleInProgress(ctx context.Context, before time.Time) ([]model.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.SyncQueueItem
	for _, item := range m.items {
		if item.Status != model.SyncStatusInProgress {
			continue
		}
		if item.LastAttemptAt == nil || item.LastAttemptAt.Before(before) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateItem 项已被替换或清理时静默忽略
func (m *MemoryStore) UpdateItem(ctx context.Context, item *model.SyncQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; ok {
		m.items[item.ID] = *item
	}
	return nil
}

func (m *MemoryStore) CountItems(ctx context.Context) (QueueCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c QueueCounts
	for _, item := range m.items {
		c.add(item.Status, 1)
	}
	return c, nil
}

func (m *MemoryStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, item := range m.items {
		if item.Status.Terminal() && item.CreatedAt.Before(before) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

// Items 按 ID 排序的全部队列项快照
func (m *MemoryStore) Items() []model.SyncQueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.SyncQueueItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *QueueCounts) add(status model.SyncStatus, n int64) {
	switch status {
	case model.SyncStatusPending:
		c.Pending += n
	case model.SyncStatusInProgress:
		c.InProgress += n
	case model.SyncStatusRetry:
		c.Retry += n
	case model.SyncStatusFailed:
		c.Failed += n
	case model.SyncStatusSuccess:
		c.Succeeded += n
	}
}
