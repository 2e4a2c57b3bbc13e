package health

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"slotwatch/internal/database"
	"slotwatch/internal/models"
	"slotwatch/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu     sync.Mutex
	events []models.NotificationEvent
}

func (a *recordingAlerter) Emit(_ context.Context, ev models.NotificationEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func testTarget(id string) models.Target {
	return models.Target{
		ID:     id,
		Name:   "Target " + id,
		System: models.Consulate{Country: "fr", Service: "passport"},
		Tier:   1,
		Recipe: models.Recipe{"check_url": "http://example.invalid"},
	}
}

func setup(t *testing.T, opts Options) (*Monitor, *database.DB, *recordingAlerter) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "health.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.SyncTargets(context.Background(), []models.Target{testTarget("t1"), testTarget("t2")}))

	alerter := &recordingAlerter{}
	m := New(db, repository.NewMemoryStateStore(), alerter, opts, &logger)
	return m, db, alerter
}

func errResult() models.CheckResult {
	return models.CheckResult{Status: models.CheckError, ErrorMessage: "502 bad gateway"}
}

func TestErrorsPauseAtThreshold(t *testing.T) {
	m, _, alerter := setup(t, Options{ErrorThreshold: 3})
	ctx := context.Background()
	tg := testTarget("t1")

	for i := 0; i < 2; i++ {
		h, err := m.Record(ctx, tg, errResult())
		require.NoError(t, err)
		assert.Equal(t, models.TargetActive, h.Status)
	}

	h, err := m.Record(ctx, tg, errResult())
	require.NoError(t, err)
	assert.Equal(t, models.TargetPausedError, h.Status)
	assert.Equal(t, 3, h.ConsecutiveErrors)
	assert.Equal(t, 1, alerter.count())

	ok, err := m.CanSchedule(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	// further errors keep counting without a second alert
	h, err = m.Record(ctx, tg, models.CheckResult{Status: models.CheckTimeout})
	require.NoError(t, err)
	assert.Equal(t, 4, h.ConsecutiveErrors)
	assert.Equal(t, 1, alerter.count())
}

func TestRecipeThresholdOverridesDefault(t *testing.T) {
	m, _, _ := setup(t, Options{ErrorThreshold: 10})
	tg := testTarget("t1")
	tg.Recipe[models.RecipeErrorThreshold] = 1

	assert.Equal(t, 1, m.Threshold(tg))
	h, err := m.Record(context.Background(), tg, errResult())
	require.NoError(t, err)
	assert.Equal(t, models.TargetPausedError, h.Status)
}

func TestSuccessResetsCounterButKeepsPause(t *testing.T) {
	m, _, _ := setup(t, Options{ErrorThreshold: 2})
	ctx := context.Background()
	tg := testTarget("t1")

	_, err := m.Record(ctx, tg, errResult())
	require.NoError(t, err)
	h, err := m.Record(ctx, tg, models.CheckResult{Status: models.CheckNoSlots})
	require.NoError(t, err)
	assert.Equal(t, 0, h.ConsecutiveErrors)
	assert.Equal(t, models.TargetActive, h.Status)

	_, _ = m.Record(ctx, tg, errResult())
	_, _ = m.Record(ctx, tg, errResult())
	h, err = m.Record(ctx, tg, models.CheckResult{Status: models.CheckSlotsFound, Slots: []models.Slot{{Date: "2026-11-02"}}})
	require.NoError(t, err)
	assert.Equal(t, models.TargetPausedError, h.Status)
	assert.NotNil(t, h.LastSlotFoundAt)
}

func TestAntiBotBlocksAndAlertsOnce(t *testing.T) {
	m, _, alerter := setup(t, Options{ErrorThreshold: 5, AlertCooldown: time.Hour})
	ctx := context.Background()
	tg := testTarget("t2")
	res := models.CheckResult{Status: models.CheckAntiBotDetected, ErrorMessage: "captcha"}

	h, err := m.Record(ctx, tg, res)
	require.NoError(t, err)
	assert.Equal(t, models.TargetCaptchaBlocked, h.Status)

	_, err = m.Record(ctx, tg, res)
	require.NoError(t, err)
	require.Equal(t, 1, alerter.count())

	ev := alerter.events[0]
	assert.Equal(t, models.AdminUserID, ev.UserID)
	assert.Equal(t, models.NotifyTargetBlocked, ev.Type)
	assert.Equal(t, "t2", ev.Metadata["target_id"])
	assert.Equal(t, string(models.TargetCaptchaBlocked), ev.Metadata["status"])
}

func TestResumeClearsAlertCooldown(t *testing.T) {
	m, _, alerter := setup(t, Options{AlertCooldown: time.Hour})
	ctx := context.Background()
	tg := testTarget("t1")
	res := models.CheckResult{Status: models.CheckAntiBotDetected}

	_, err := m.Record(ctx, tg, res)
	require.NoError(t, err)
	require.NoError(t, m.Resume(ctx, "t1"))

	ok, err := m.CanSchedule(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Record(ctx, tg, res)
	require.NoError(t, err)
	assert.Equal(t, 2, alerter.count())
}

func TestResumeUnknownTarget(t *testing.T) {
	m, _, _ := setup(t, Options{})
	err := m.Resume(context.Background(), "nope")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSweepResumesAfterCooldown(t *testing.T) {
	m, _, _ := setup(t, Options{ErrorThreshold: 1, Cooldown: time.Hour})
	ctx := context.Background()

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	_, err := m.Record(ctx, testTarget("t1"), errResult())
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	ids, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	m.now = func() time.Time { return base.Add(61 * time.Minute) }
	ids, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	statuses, err := m.Statuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TargetActive, statuses["t1"])
	assert.Equal(t, models.TargetActive, statuses["t2"])
}

func TestRunRejectsBadSpec(t *testing.T) {
	m, _, _ := setup(t, Options{SweepSpec: "every now and then"})
	err := m.Run(context.Background())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _, _ := setup(t, Options{SweepSpec: "@every 1s"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
