package abuse_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/abuse"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/testutil"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

func logN(t *testing.T, l abuse.Logger, serial string, n int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Log(ctx, models.SubmissionRecord{
			DeviceSerial: serial,
			Timestamp:    at,
			Result:       models.SubmissionPass,
		}))
	}
}

func newRegistry(t *testing.T, serials ...string) *registry.Service {
	t.Helper()
	ctx := testutil.TestContext(t)
	reg := registry.NewService(registry.NewMemoryRepository(), nil)
	for _, s := range serials {
		require.NoError(t, reg.Register(ctx, testutil.TestDevice(s, testutil.TestSecret(t))))
	}
	return reg
}

func TestMemoryLogger(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Now().UTC()
	l := abuse.NewMemoryLogger()

	logN(t, l, "CAM-A", 3, now.Add(-time.Minute))
	logN(t, l, "CAM-B", 5, now.Add(-2*time.Hour))
	logN(t, l, "CAM-C", 2, now.Add(-48*time.Hour))

	t.Run("count within window", func(t *testing.T) {
		n, err := l.Count(ctx, "CAM-A", now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = l.Count(ctx, "CAM-C", now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("active devices", func(t *testing.T) {
		serials, err := l.ActiveDevices(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"CAM-A", "CAM-B"}, serials)
	})

	t.Run("top submitters", func(t *testing.T) {
		top, err := l.TopSubmitters(ctx, now.Add(-72*time.Hour), 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, "CAM-B", top[0].DeviceSerial)
		assert.Equal(t, 5, top[0].Count)
		assert.Equal(t, "CAM-A", top[1].DeviceSerial)
	})

	t.Run("statistics", func(t *testing.T) {
		stats, err := l.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, stats.TotalSubmissions)
		assert.Equal(t, 3, stats.UniqueDevices)
		assert.Equal(t, 8, stats.Last24h)
		assert.Equal(t, 3, stats.Last1h)
		require.NotNil(t, stats.Oldest)
		assert.True(t, stats.Oldest.Equal(now.Add(-48*time.Hour)))
	})

	t.Run("prune", func(t *testing.T) {
		removed, err := l.Prune(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		stats, err := l.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 8, stats.TotalSubmissions)
	})

	t.Run("rejects empty serial", func(t *testing.T) {
		err := l.Log(ctx, models.SubmissionRecord{})
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestMemoryLoggerConcurrentAppends(t *testing.T) {
	ctx := testutil.TestContext(t)
	l := abuse.NewMemoryLogger()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_ = l.Log(ctx, models.SubmissionRecord{DeviceSerial: fmt.Sprintf("CAM-%d", g%2), Result: models.SubmissionPass})
			}
		}(g)
	}
	wg.Wait()

	n, err := l.CountAll(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2000, n)
}

func TestDetectorThresholds(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Now().UTC()

	l := abuse.NewMemoryLogger()
	reg := newRegistry(t, "CAM-CLEAN", "CAM-WARN", "CAM-EDGE", "CAM-OVER")
	logN(t, l, "CAM-CLEAN", 7999, now.Add(-time.Hour))
	logN(t, l, "CAM-WARN", 8000, now.Add(-time.Hour))
	logN(t, l, "CAM-EDGE", 9999, now.Add(-time.Hour))
	logN(t, l, "CAM-OVER", 10000, now.Add(-time.Hour))

	d := abuse.NewDetector(l, reg, abuse.Config{})
	report, err := d.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, report.DevicesChecked)
	require.Len(t, report.Blacklisted, 1)
	assert.Equal(t, "CAM-OVER", report.Blacklisted[0].DeviceSerial)
	assert.Equal(t, "exceeded daily limit: 10000 in 24h", report.Blacklisted[0].Reason)

	require.Len(t, report.Warned, 2)
	assert.Equal(t, "CAM-EDGE", report.Warned[0].DeviceSerial)
	assert.Equal(t, "CAM-WARN", report.Warned[1].DeviceSerial)

	over, err := reg.GetBySerial(ctx, "CAM-OVER")
	require.NoError(t, err)
	assert.True(t, over.IsBlacklisted)
	assert.Equal(t, "exceeded daily limit: 10000 in 24h", over.BlacklistReason)

	edge, err := reg.IsBlacklisted(ctx, "CAM-EDGE")
	require.NoError(t, err)
	assert.False(t, edge)

	t.Run("second run skips blacklisted devices", func(t *testing.T) {
		report, err := d.Run(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Blacklisted)
		assert.Len(t, report.Warned, 2)
	})
}

func TestDetectorIgnoresOldSubmissions(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Now().UTC()

	l := abuse.NewMemoryLogger()
	reg := newRegistry(t, "CAM-1")
	logN(t, l, "CAM-1", 6000, now.Add(-30*time.Hour))
	logN(t, l, "CAM-1", 6000, now.Add(-time.Hour))

	f, err := abuse.NewDetector(l, reg, abuse.DefaultConfig()).CheckDevice(ctx, "CAM-1")
	require.NoError(t, err)
	assert.Equal(t, 6000, f.Count)
	assert.Equal(t, abuse.ActionNone, f.Action)
}

type recordingAudit struct {
	events []*models.AuditEvent
}

func (a *recordingAudit) Log(_ context.Context, e *models.AuditEvent) error {
	a.events = append(a.events, e)
	return nil
}

type runObserver struct {
	warned, blacklisted int
}

func (o *runObserver) ObserveAbuseRun(warned, blacklisted int, _ time.Duration) {
	o.warned += warned
	o.blacklisted += blacklisted
}

func TestDetectorCustomThresholds(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Now().UTC()

	l := abuse.NewMemoryLogger()
	reg := newRegistry(t, "CAM-1", "CAM-2")
	logN(t, l, "CAM-1", 5, now.Add(-10*time.Minute))
	logN(t, l, "CAM-2", 3, now.Add(-10*time.Minute))

	audit := &recordingAudit{}
	obs := &runObserver{}
	d := abuse.NewDetector(l, reg, abuse.Config{
		WarnThreshold:      3,
		BlacklistThreshold: 5,
		Window:             time.Hour,
	}, abuse.WithAudit(audit), abuse.WithObserver(obs))

	report, err := d.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Blacklisted, 1)
	assert.Equal(t, "exceeded daily limit: 5 in 1h", report.Blacklisted[0].Reason)
	require.Len(t, report.Warned, 1)
	assert.Equal(t, "CAM-2", report.Warned[0].DeviceSerial)

	require.Len(t, audit.events, 1)
	assert.Equal(t, models.AuditEventTypeDeviceBlacklisted, audit.events[0].EventType)
	assert.Equal(t, "CAM-1", audit.events[0].Subject)
	assert.Equal(t, 1, obs.warned)
	assert.Equal(t, 1, obs.blacklisted)
}

func TestDetectorConfigDefaults(t *testing.T) {
	d := abuse.NewDetector(abuse.NewMemoryLogger(), newRegistry(t), abuse.Config{WarnThreshold: 20000})
	cfg := d.Config()
	assert.Equal(t, abuse.DefaultBlacklistThreshold, cfg.BlacklistThreshold)
	assert.Equal(t, abuse.DefaultWarnThreshold, cfg.WarnThreshold)
	assert.Equal(t, abuse.DefaultWindow, cfg.Window)
	assert.Equal(t, abuse.DefaultRetention, cfg.Retention)
}

func TestCheckDevice(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Now().UTC()
	l := abuse.NewMemoryLogger()
	reg := newRegistry(t, "CAM-1")
	d := abuse.NewDetector(l, reg, abuse.Config{WarnThreshold: 2, BlacklistThreshold: 4})

	logN(t, l, "CAM-1", 4, now)
	f, err := d.CheckDevice(ctx, "CAM-1")
	require.NoError(t, err)
	assert.Equal(t, abuse.ActionBlacklist, f.Action)

	f, err = d.CheckDevice(ctx, "CAM-1")
	require.NoError(t, err)
	assert.Equal(t, abuse.ActionSkipped, f.Action)

	t.Run("unregistered serial", func(t *testing.T) {
		logN(t, l, "CAM-GHOST", 10, now)
		f, err := d.CheckDevice(ctx, "CAM-GHOST")
		require.NoError(t, err)
		assert.Equal(t, abuse.ActionNone, f.Action)
	})

	t.Run("empty serial", func(t *testing.T) {
		_, err := d.CheckDevice(ctx, "")
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestReport(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Now().UTC()
	l := abuse.NewMemoryLogger()
	reg := newRegistry(t, "CAM-1", "CAM-2", "CAM-3")
	d := abuse.NewDetector(l, reg, abuse.Config{WarnThreshold: 3, BlacklistThreshold: 6})

	logN(t, l, "CAM-1", 1, now)
	logN(t, l, "CAM-2", 4, now)
	logN(t, l, "CAM-3", 2, now)
	_, err := reg.Blacklist(ctx, "CAM-3", "manual")
	require.NoError(t, err)

	report, err := d.Report(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalDevices)
	assert.Equal(t, 1, report.CleanDevices)
	assert.Equal(t, 1, report.WarningDevices)
	assert.Equal(t, 1, report.BlacklistedDevices)
	assert.Equal(t, 24, report.Thresholds.WindowHours)

	require.Len(t, report.TopSubmitters, 2)
	assert.Equal(t, "CAM-2", report.TopSubmitters[0].DeviceSerial)
	assert.True(t, report.TopSubmitters[1].IsBlacklisted)
	assert.Equal(t, 7, report.Log.TotalSubmissions)

	blacklisted, err := reg.IsBlacklisted(ctx, "CAM-2")
	require.NoError(t, err)
	assert.False(t, blacklisted, "report must not act")
}

func TestPrune(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Now().UTC()
	l := abuse.NewMemoryLogger()
	logN(t, l, "CAM-1", 3, now.Add(-91*24*time.Hour))
	logN(t, l, "CAM-1", 2, now.Add(-89*24*time.Hour))

	n, err := abuse.NewDetector(l, newRegistry(t), abuse.DefaultConfig()).Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	remaining, err := l.CountAll(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}
