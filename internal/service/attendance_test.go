package service

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SiteAttend/internal/model"
	"SiteAttend/internal/model/dto"
	pkgerrors "SiteAttend/pkg/errors"
	"SiteAttend/pkg/geo"
)

var (
	ict       = time.FixedZone("ICT", 7*3600)
	sitePoint = geo.Point{Latitude: 11.5515, Longitude: 104.9282}
)

const testUser = "1001"

func metersNorth(p geo.Point, m float64) geo.Point {
	return geo.Point{Latitude: p.Latitude + m/(geo.EarthRadiusMeters*math.Pi/180), Longitude: p.Longitude}
}

func testFence() model.SiteGeofence {
	center := sitePoint
	return model.SiteGeofence{
		SiteID:               7,
		Center:               &center,
		RadiusMeters:         100,
		WorkStart:            "08:00",
		WorkEnd:              "17:00",
		LateThresholdMinutes: 15,
		MinimumWorkingHours:  8,
	}
}

type harness struct {
	svc    *AttendanceService
	ledger *memoryLedger
	pub    *recordingPublisher
	status *memoryStatusCache
	now    time.Time
	mu     sync.Mutex
}

func newHarness(fence model.SiteGeofence) *harness {
	h := &harness{
		ledger: newMemoryLedger(),
		pub:    &recordingPublisher{},
		status: newMemoryStatusCache(),
		now:    time.Date(2026, 3, 2, 7, 50, 0, 0, ict),
	}
	var seq int64
	h.svc = NewAttendanceService(h.ledger, staticSites{fence: fence},
		WithEventPublisher(h.pub),
		WithStatusCache(h.status),
		WithLocation(ict),
		WithClock(func() time.Time {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.now
		}),
		WithIDGenerator(func() (int64, error) {
			return atomic.AddInt64(&seq, 1), nil
		}),
	)
	return h
}

func (h *harness) setClock(hour, minute int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = time.Date(2026, 3, 2, hour, minute, 0, 0, ict)
}

func at(p geo.Point, notes string) dto.AttendanceActionRequest {
	return dto.NewActionRequest(p, "", notes)
}

func TestCheckInInsideBeforeThresholdIsPresent(t *testing.T) {
	h := newHarness(testFence())

	rec, err := h.svc.CheckIn(context.Background(), testUser, at(metersNorth(sitePoint, 50), ""))
	require.NoError(t, err)

	assert.Equal(t, string(model.AttendanceStatusPresent), rec.Status)
	assert.Equal(t, "2026-03-02", rec.Date)
	assert.Equal(t, testUser, rec.UserID)
	require.NotNil(t, rec.CheckInTime)
	assert.Nil(t, rec.CheckOutTime)
	assert.True(t, rec.IsSynced)
	assert.Equal(t, []string{"checked_in"}, h.pub.records)
	assert.Empty(t, h.pub.security)
}

func TestCheckInLateAfterThreshold(t *testing.T) {
	h := newHarness(testFence())
	h.setClock(8, 16)

	rec, err := h.svc.CheckIn(context.Background(), testUser, at(sitePoint, ""))
	require.NoError(t, err)
	assert.Equal(t, string(model.AttendanceStatusLate), rec.Status)
}

func TestCheckInTwiceSameDayIsDuplicate(t *testing.T) {
	h := newHarness(testFence())
	ctx := context.Background()

	_, err := h.svc.CheckIn(ctx, testUser, at(sitePoint, ""))
	require.NoError(t, err)

	h.setClock(9, 0)
	_, err = h.svc.CheckIn(ctx, testUser, at(sitePoint, ""))
	assert.ErrorIs(t, err, pkgerrors.DuplicateCheckIn)
	assert.Equal(t, 1, h.ledger.count(1001, "2026-03-02"))
}

func TestCheckInOutsideGeofenceRecordsSecurityEvent(t *testing.T) {
	h := newHarness(testFence())

	_, err := h.svc.CheckIn(context.Background(), testUser, at(metersNorth(sitePoint, 150), ""))
	require.ErrorIs(t, err, pkgerrors.OutsideGeofence)

	assert.Equal(t, 0, h.ledger.count(1001, "2026-03-02"))
	require.Len(t, h.ledger.events, 1)
	ev := h.ledger.events[0]
	assert.Equal(t, ActionCheckIn, ev.Action)
	assert.Equal(t, model.SecurityEventGeofenceViolation, ev.Kind)
	assert.InDelta(t, 150, ev.DistanceMeters, 0.5)
	assert.InDelta(t, 100, ev.RadiusMeters, 1e-9)
	require.NotNil(t, ev.SiteID)
	assert.Equal(t, int64(7), *ev.SiteID)
	assert.Len(t, h.pub.security, 1)
}

func TestCheckInWithoutSiteCoordinatesSkipsGeofence(t *testing.T) {
	fence := testFence()
	fence.Center = nil
	h := newHarness(fence)

	rec, err := h.svc.CheckIn(context.Background(), testUser, at(geo.Point{Latitude: 48.8566, Longitude: 2.3522}, ""))
	require.NoError(t, err)
	assert.Equal(t, string(model.AttendanceStatusPresent), rec.Status)
	assert.Empty(t, h.ledger.events)
}

func TestCheckInRejectsInvalidInput(t *testing.T) {
	h := newHarness(testFence())
	ctx := context.Background()

	_, err := h.svc.CheckIn(ctx, "not-a-number", at(sitePoint, ""))
	assert.ErrorIs(t, err, pkgerrors.InvalidUserID)

	_, err = h.svc.CheckIn(ctx, testUser, dto.AttendanceActionRequest{})
	assert.ErrorIs(t, err, pkgerrors.ValidationError)

	bad := at(geo.Point{Latitude: 95, Longitude: 104.9}, "")
	_, err = h.svc.CheckIn(ctx, testUser, bad)
	assert.ErrorIs(t, err, pkgerrors.ValidationError)
}

func TestConcurrentCheckInsProduceOneRecord(t *testing.T) {
	h := newHarness(testFence())
	ctx := context.Background()

	const workers = 16
	var (
		wg        sync.WaitGroup
		succeeded int32
		dupes     int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.CheckIn(ctx, testUser, at(sitePoint, ""))
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case pkgerrors.DuplicateCheckIn.Is(err):
				atomic.AddInt32(&dupes, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), succeeded)
	assert.Equal(t, int32(workers-1), dupes)
	assert.Equal(t, 1, h.ledger.count(1001, "2026-03-02"))
}

func TestCheckOutWithoutOpenRecord(t *testing.T) {
	h := newHarness(testFence())

	_, err := h.svc.CheckOut(context.Background(), testUser, at(sitePoint, ""))
	assert.ErrorIs(t, err, pkgerrors.NoOpenCheckIn)
}

func TestCheckOutComputesHoursAndStatus(t *testing.T) {
	tests := []struct {
		name     string
		inHour   int
		outHour  int
		outMin   int
		expected model.AttendanceStatus
		hours    float64
	}{
		{name: "Full day", inHour: 7, outHour: 17, outMin: 30, expected: model.AttendanceStatusPresent, hours: 10.5},
		{name: "Leaves at noon", inHour: 7, outHour: 12, expected: model.AttendanceStatusEarlyDeparture, hours: 5},
		{name: "Late arrival stays late after work end", inHour: 9, outHour: 17, outMin: 5, expected: model.AttendanceStatusLate, hours: 8 + 5.0/60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testFence())
			ctx := context.Background()

			h.setClock(tt.inHour, 0)
			_, err := h.svc.CheckIn(ctx, testUser, at(sitePoint, "morning"))
			require.NoError(t, err)

			h.setClock(tt.outHour, tt.outMin)
			rec, err := h.svc.CheckOut(ctx, testUser, at(metersNorth(sitePoint, 20), "evening"))
			require.NoError(t, err)

			assert.Equal(t, string(tt.expected), rec.Status)
			assert.InDelta(t, tt.hours, rec.WorkingHours, 1e-9)
			require.NotNil(t, rec.CheckOutTime)
			assert.False(t, rec.CheckOutTime.Before(*rec.CheckInTime))
			assert.Equal(t, "morning\nevening", rec.Notes)
		})
	}
}

func TestCheckOutTwiceHasNoOpenRecord(t *testing.T) {
	h := newHarness(testFence())
	ctx := context.Background()

	_, err := h.svc.CheckIn(ctx, testUser, at(sitePoint, ""))
	require.NoError(t, err)
	h.setClock(17, 0)
	_, err = h.svc.CheckOut(ctx, testUser, at(sitePoint, ""))
	require.NoError(t, err)

	_, err = h.svc.CheckOut(ctx, testUser, at(sitePoint, ""))
	assert.ErrorIs(t, err, pkgerrors.NoOpenCheckIn)
}

func TestCheckOutOutsideGeofence(t *testing.T) {
	h := newHarness(testFence())
	ctx := context.Background()

	_, err := h.svc.CheckIn(ctx, testUser, at(sitePoint, ""))
	require.NoError(t, err)
	h.setClock(10, 0)

	outside := at(metersNorth(sitePoint, 150), "")
	_, err = h.svc.CheckOut(ctx, testUser, outside)
	require.ErrorIs(t, err, pkgerrors.OutsideGeofence)

	rec, err := h.ledger.FindByUserDate(ctx, 1001, "2026-03-02")
	require.NoError(t, err)
	assert.True(t, rec.IsOpen())
	require.Len(t, h.ledger.events, 1)
	assert.Equal(t, ActionCheckOut, h.ledger.events[0].Action)
}

func TestSecurityCheckOutBypassesGeofenceOnExit(t *testing.T) {
	h := newHarness(testFence())
	ctx := context.Background()

	_, err := h.svc.CheckIn(ctx, testUser, at(sitePoint, ""))
	require.NoError(t, err)
	h.setClock(10, 0)

	req := at(metersNorth(sitePoint, 150), "[security] left site")
	req.SecurityCheckout = true
	rec, err := h.svc.CheckOut(ctx, testUser, req)
	require.NoError(t, err)

	require.NotNil(t, rec.CheckOutTime)
	assert.Equal(t, string(model.AttendanceStatusEarlyDeparture), rec.Status)
	require.Len(t, h.ledger.events, 1)
	assert.Equal(t, ActionSecurityCheckOut, h.ledger.events[0].Action)
	assert.Contains(t, rec.Notes, "[security] left site")
	assert.Contains(t, rec.Notes, SecurityOverrideNote+" 150m from site")
}

func TestSecurityCheckOutInsideFenceIsNotMarked(t *testing.T) {
	h := newHarness(testFence())
	ctx := context.Background()

	_, err := h.svc.CheckIn(ctx, testUser, at(sitePoint, ""))
	require.NoError(t, err)
	h.setClock(10, 0)

	req := at(metersNorth(sitePoint, 50), "")
	req.SecurityCheckout = true
	rec, err := h.svc.CheckOut(ctx, testUser, req)
	require.NoError(t, err)
	assert.NotContains(t, rec.Notes, SecurityOverrideNote)
	assert.Empty(t, h.ledger.events)
}

func TestSecurityMarkerDoesNotBypassCheckIn(t *testing.T) {
	h := newHarness(testFence())

	req := at(metersNorth(sitePoint, 150), "")
	req.SecurityCheckout = true
	_, err := h.svc.CheckIn(context.Background(), testUser, req)
	assert.ErrorIs(t, err, pkgerrors.OutsideGeofence)
}

func TestStatusFlagsFollowLifecycle(t *testing.T) {
	h := newHarness(testFence())
	ctx := context.Background()

	st, err := h.svc.Status(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, st.CanCheckIn)
	assert.False(t, st.CanCheckOut)
	assert.Nil(t, st.Record)

	_, err = h.svc.CheckIn(ctx, testUser, at(sitePoint, ""))
	require.NoError(t, err)

	st, err = h.svc.Status(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, st.HasCheckedIn)
	assert.False(t, st.CanCheckIn)
	assert.True(t, st.CanCheckOut)

	h.setClock(17, 30)
	_, err = h.svc.CheckOut(ctx, testUser, at(sitePoint, ""))
	require.NoError(t, err)

	st, err = h.svc.Status(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, st.HasCheckedOut)
	assert.False(t, st.CanCheckOut)
	assert.InDelta(t, 9.67, st.WorkingHours, 0.01)
	assert.Equal(t, 2, h.status.invalidated)
}

func TestCheckInConvertsAbsentRow(t *testing.T) {
	h := newHarness(testFence())
	ctx := context.Background()
	h.ledger.records[recordKey(1001, "2026-03-02")] = model.AttendanceRecord{
		ID: 99, UserID: 1001, WorkDate: "2026-03-02", Status: model.AttendanceStatusAbsent,
	}

	rec, err := h.svc.CheckIn(ctx, testUser, at(sitePoint, ""))
	require.NoError(t, err)
	assert.Equal(t, "99", rec.ID)
	assert.Equal(t, string(model.AttendanceStatusPresent), rec.Status)
}

func TestMarkAbsencesIsIdempotent(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.assignments = []model.SiteAssignment{
		{UserID: 1, SiteID: 7},
		{UserID: 2, SiteID: 7},
		{UserID: 3, SiteID: 8},
	}
	checkIn := time.Date(2026, 3, 1, 8, 0, 0, 0, ict)
	ledger.records[recordKey(2, "2026-03-01")] = model.AttendanceRecord{
		ID: 50, UserID: 2, WorkDate: "2026-03-01", CheckInTime: &checkIn, Status: model.AttendanceStatusPresent,
	}

	var seq int64 = 100
	svc := NewAbsenceService(ledger, func() (int64, error) { seq++; return seq, nil }, nil)

	created, err := svc.MarkAbsences(context.Background(), "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	rec := ledger.find(3, "2026-03-01")
	require.NotNil(t, rec)
	assert.Equal(t, model.AttendanceStatusAbsent, rec.Status)
	assert.Nil(t, rec.CheckInTime)
	require.NotNil(t, rec.SiteID)
	assert.Equal(t, int64(8), *rec.SiteID)

	created, err = svc.MarkAbsences(context.Background(), "2026-03-01")
	require.NoError(t, err)
	assert.Zero(t, created)
}
