package service

import (
	"context"
	"strconv"
	"sync"

	"SiteAttend/internal/model"
	"SiteAttend/internal/model/dto"
	pkgerrors "SiteAttend/pkg/errors"
)

// memoryLedger 单把锁串行化所有事务，失败时回滚该键
type memoryLedger struct {
	mu          sync.Mutex
	records     map[string]model.AttendanceRecord
	events      []model.SecurityEvent
	assignments []model.SiteAssignment
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{records: make(map[string]model.AttendanceRecord)}
}

func recordKey(userID int64, day string) string {
	return day + "/" + strconv.FormatInt(userID, 10)
}

func (m *memoryLedger) InTx(ctx context.Context, userID int64, day string, fn func(tx LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(userID, day)
	before, had := m.records[key]
	if err := fn(&memoryTx{m: m}); err != nil {
		if had {
			m.records[key] = before
		} else {
			delete(m.records, key)
		}
		return err
	}
	return nil
}

func (m *memoryLedger) FindByUserDate(ctx context.Context, userID int64, day string) (*model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(userID, day), nil
}

func (m *memoryLedger) find(userID int64, day string) *model.AttendanceRecord {
	rec, ok := m.records[recordKey(userID, day)]
	if !ok {
		return nil
	}
	return &rec
}

func (m *memoryLedger) RecordSecurityEvent(ctx context.Context, ev *model.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, *ev)
	return nil
}

func (m *memoryLedger) UnrecordedAssignments(ctx context.Context, day string) ([]model.SiteAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SiteAssignment
	for _, a := range m.assignments {
		if m.find(a.UserID, day) == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memoryLedger) CreateAbsences(ctx context.Context, recs []*model.AttendanceRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, r := range recs {
		key := recordKey(r.UserID, r.WorkDate)
		if _, exists := m.records[key]; exists {
			continue
		}
		m.records[key] = *r
		created++
	}
	return created, nil
}

func (m *memoryLedger) count(userID int64, day string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.UserID == userID && r.WorkDate == day && r.CheckInTime != nil {
			n++
		}
	}
	return n
}

type memoryTx struct {
	m *memoryLedger
}

func (t *memoryTx) FindByUserDate(ctx context.Context, userID int64, day string) (*model.AttendanceRecord, error) {
	return t.m.find(userID, day), nil
}

func (t *memoryTx) Create(ctx context.Context, rec *model.AttendanceRecord) error {
	key := recordKey(rec.UserID, rec.WorkDate)
	if _, exists := t.m.records[key]; exists {
		return pkgerrors.DuplicateCheckIn
	}
	t.m.records[key] = *rec
	return nil
}

func (t *memoryTx) Save(ctx context.Context, rec *model.AttendanceRecord) error {
	t.m.records[recordKey(rec.UserID, rec.WorkDate)] = *rec
	return nil
}

type staticSites struct {
	fence model.SiteGeofence
	err   error
}

func (s staticSites) Geofence(ctx context.Context, userID int64) (model.SiteGeofence, error) {
	return s.fence, s.err
}

type recordingPublisher struct {
	mu       sync.Mutex
	security []model.SecurityEvent
	records  []string
}

func (p *recordingPublisher) PublishSecurityEvent(ctx context.Context, ev *model.SecurityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.security = append(p.security, *ev)
	return nil
}

func (p *recordingPublisher) PublishRecordEvent(ctx context.Context, eventType string, rec *model.AttendanceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, eventType)
	return nil
}

type memoryStatusCache struct {
	mu          sync.Mutex
	data        map[string]*dto.AttendanceStatusData
	invalidated int
}

func newMemoryStatusCache() *memoryStatusCache {
	return &memoryStatusCache{data: make(map[string]*dto.AttendanceStatusData)}
}

func (c *memoryStatusCache) Get(ctx context.Context, userID int64, day string) (*dto.AttendanceStatusData, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[recordKey(userID, day)]
	return d, ok, nil
}

func (c *memoryStatusCache) Set(ctx context.Context, userID int64, day string, data *dto.AttendanceStatusData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[recordKey(userID, day)] = data
	return nil
}

func (c *memoryStatusCache) Invalidate(ctx context.Context, userID int64, day string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, recordKey(userID, day))
	c.invalidated++
	return nil
}
