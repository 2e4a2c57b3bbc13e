package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slotwatch/internal/apperr"
	"slotwatch/internal/automation"
	"slotwatch/internal/database"
	"slotwatch/internal/health"
	"slotwatch/internal/models"
	"slotwatch/internal/pool"
	"slotwatch/internal/queue"
	"slotwatch/internal/registry"
	"slotwatch/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	closed atomic.Bool
}

func (s *fakeSession) Proxy() string { return "" }
func (s *fakeSession) Close() error  { s.closed.Store(true); return nil }

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeFactory) NewSession(context.Context, string) (automation.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.closed.Load() {
			n++
		}
	}
	return n
}

type fakeStrategy struct {
	check    func(ctx context.Context, t models.Target) models.CheckResult
	book     func(ctx context.Context, c models.Client) models.BookingResult
	bookings atomic.Int32
}

func (s *fakeStrategy) RunCheck(ctx context.Context, _ automation.Session, t models.Target) models.CheckResult {
	return s.check(ctx, t)
}

func (s *fakeStrategy) RunBooking(ctx context.Context, _ automation.Session, _ models.Target, _ models.Slot, c models.Client) models.BookingResult {
	s.bookings.Add(1)
	return s.book(ctx, c)
}

type enqueued struct {
	kind    models.TaskKind
	key     string
	payload interface{}
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	fail  error
}

func (q *fakeQueue) Enqueue(_ context.Context, kind models.TaskKind, key string, payload interface{}) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return nil, q.fail
	}
	q.tasks = append(q.tasks, enqueued{kind: kind, key: key, payload: payload})
	return &models.Task{ID: fmt.Sprintf("task-%d", len(q.tasks)), Kind: kind, Key: key}, nil
}

func (q *fakeQueue) keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.key)
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.NotificationEvent
}

func (n *fakeNotifier) Emit(_ context.Context, ev models.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) ofType(typ models.NotificationType) []models.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.NotificationEvent
	for _, ev := range n.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	db       *database.DB
	pool     *pool.Pool
	factory  *fakeFactory
	strategy *fakeStrategy
	queue    *fakeQueue
	notifier *fakeNotifier
	d        *Dispatcher
}

func testTarget(id string, recipe models.Recipe) models.Target {
	if recipe == nil {
		recipe = models.Recipe{}
	}
	recipe["check_url"] = "http://example.invalid/" + id
	return models.Target{
		ID:     id,
		Name:   "Target " + id,
		System: models.GovernmentOffice{Prefecture: "osaka"},
		Tier:   1,
		Recipe: recipe,
	}
}

func newFixture(t *testing.T, targets ...models.Target) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "dispatch.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if len(targets) == 0 {
		targets = []models.Target{testTarget("t1", nil)}
	}
	require.NoError(t, db.SyncTargets(context.Background(), targets))
	reg, err := registry.New(targets)
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		factory:  &fakeFactory{},
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
		strategy: &fakeStrategy{
			check: func(context.Context, models.Target) models.CheckResult {
				return models.CheckResult{Status: models.CheckNoSlots}
			},
			book: func(context.Context, models.Client) models.BookingResult {
				return models.BookingResult{Success: true, ConfirmationRef: "REF-1"}
			},
		},
	}
	f.pool = pool.New(f.factory, nil, nil, pool.Options{MaxSessions: 1, AcquireTimeout: 100 * time.Millisecond}, &logger)
	t.Cleanup(f.pool.Close)

	mon := health.New(db, repository.NewMemoryStateStore(), f.notifier, health.Options{ErrorThreshold: 3}, &logger)
	f.d = New(db, reg, f.pool, automation.Uniform(f.strategy), mon, f.queue, f.notifier, &logger)
	return f
}

func (f *fixture) addClient(t *testing.T, userID int64, plan models.PlanTier, procedure string, created time.Time) *models.Client {
	t.Helper()
	c := &models.Client{
		UserID:    userID,
		Name:      fmt.Sprintf("user-%d", userID),
		PlanTier:  plan,
		TargetID:  "t1",
		Procedure: procedure,
		AutoBook:  true,
		CreatedAt: created,
	}
	require.NoError(t, f.db.CreateClient(context.Background(), c))
	return c
}

func (f *fixture) status(t *testing.T, id int64) models.BookingStatus {
	t.Helper()
	c, err := f.db.GetClient(context.Background(), id)
	require.NoError(t, err)
	return c.BookingStatus
}

func checkTask(targetID string) *models.Task {
	return &models.Task{ID: "check-1", Kind: models.TaskCheck, Key: targetID,
		Payload: fmt.Sprintf(`{"target_id":%q}`, targetID)}
}

func bookingTask(c *models.Client) *models.Task {
	return &models.Task{ID: "book-1", Kind: models.TaskBooking, Key: fmt.Sprint(c.ID),
		Payload: fmt.Sprintf(`{"client_id":%d,"target_id":%q,"slot":{"date":"2026-11-03","time":"10:30"}}`, c.ID, c.TargetID)}
}

func TestDispatchOrdersByPlanThenAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	free := f.addClient(t, 1, models.PlanFree, "", base)
	vipOld := f.addClient(t, 2, models.PlanVIP, "", base.Add(time.Minute))
	premium := f.addClient(t, 3, models.PlanPremium, "", base.Add(2*time.Minute))
	vipNew := f.addClient(t, 4, models.PlanVIP, "", base.Add(3*time.Minute))
	basic := f.addClient(t, 5, models.PlanBasic, "", base.Add(4*time.Minute))

	slots := []models.Slot{{Date: "2026-11-03", Count: 2}, {Date: "2026-11-04"}}
	n, err := f.d.Dispatch(ctx, testTarget("t1", nil), slots)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want := []string{fmt.Sprint(vipOld.ID), fmt.Sprint(vipNew.ID), fmt.Sprint(premium.ID)}
	assert.Equal(t, want, f.queue.keys())
	for _, c := range []*models.Client{vipOld, vipNew, premium} {
		assert.Equal(t, models.BookingInProgress, f.status(t, c.ID))
	}
	for _, c := range []*models.Client{free, basic} {
		assert.Equal(t, models.BookingWaiting, f.status(t, c.ID))
	}

	// the third client gets the second slot
	third := f.queue.tasks[2].payload.(models.BookingTask)
	assert.Equal(t, "2026-11-04", third.Slot.Date)
	assert.Equal(t, "t1", third.Slot.TargetID)

	dets, err := f.db.ListDetections(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	matched := map[string]int{}
	for _, d := range dets {
		matched[d.Slot.Date] = d.MatchedClients
	}
	assert.Equal(t, map[string]int{"2026-11-03": 2, "2026-11-04": 1}, matched)

	detected := f.notifier.ofType(models.NotifySlotDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, models.AdminUserID, detected[0].UserID)
	assert.Equal(t, "3", detected[0].Metadata["slots"])
}

func TestDispatchFiltersByProcedure(t *testing.T) {
	target := testTarget("t1", models.Recipe{models.RecipeProcedure: "passport"})
	f := newFixture(t, target)
	base := time.Now().Add(-time.Hour)

	visa := f.addClient(t, 1, models.PlanVIP, "visa", base)
	passport := f.addClient(t, 2, models.PlanFree, "passport", base.Add(time.Minute))

	n, err := f.d.Dispatch(context.Background(), target, []models.Slot{{Date: "2026-11-03", Count: 5}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.BookingWaiting, f.status(t, visa.ID))
	assert.Equal(t, models.BookingInProgress, f.status(t, passport.ID))
}

func TestDispatchWithoutClientsStillRecordsDetection(t *testing.T) {
	f := newFixture(t)
	n, err := f.d.Dispatch(context.Background(), testTarget("t1", nil), []models.Slot{{Date: "2026-11-05"}})
	require.NoError(t, err)
	assert.Zero(t, n)

	dets, err := f.db.ListDetections(context.Background(), time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Zero(t, dets[0].MatchedClients)
	assert.Empty(t, f.queue.keys())
}

func TestDispatchEnqueueFailureFailsClient(t *testing.T) {
	f := newFixture(t)
	c := f.addClient(t, 9, models.PlanFree, "", time.Now())
	f.queue.fail = errors.New("database is locked")

	n, err := f.d.Dispatch(context.Background(), testTarget("t1", nil), []models.Slot{{Date: "2026-11-03"}})
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.db.GetClient(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingFailed, got.BookingStatus)
	assert.Equal(t, "booking could not be scheduled", got.FailureReason)

	failed := f.notifier.ofType(models.NotifyBookingFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(9), failed[0].UserID)
}

func TestConcurrentDispatchBooksEachClientOnce(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		f.addClient(t, int64(100+i), models.PlanFree, "", base.Add(time.Duration(i)*time.Minute))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.Dispatch(context.Background(), testTarget("t1", nil), []models.Slot{{Date: "2026-11-03", Count: 2}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	keys := f.queue.keys()
	assert.Len(t, keys, 5)
	seen := map[string]bool{}
	for _, k := range keys {
		assert.False(t, seen[k], "client %s booked twice", k)
		seen[k] = true
	}
}

func TestHandleCheckNoSlots(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.HandleCheck(context.Background(), checkTask("t1")))

	h, err := f.db.GetTargetHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotNil(t, h.LastCheckedAt)
	assert.Equal(t, pool.Stats{Capacity: 1, Idle: 1}, f.pool.Stats())
}

func TestHandleCheckSlotsFoundDispatches(t *testing.T) {
	f := newFixture(t)
	c := f.addClient(t, 7, models.PlanBasic, "", time.Now())
	f.strategy.check = func(context.Context, models.Target) models.CheckResult {
		return models.CheckResult{Status: models.CheckSlotsFound, Slots: []models.Slot{{Date: "2026-11-03"}}}
	}

	require.NoError(t, f.d.HandleCheck(context.Background(), checkTask("t1")))
	assert.Equal(t, models.BookingInProgress, f.status(t, c.ID))
	assert.Equal(t, []string{fmt.Sprint(c.ID)}, f.queue.keys())

	h, err := f.db.GetTargetHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotNil(t, h.LastSlotFoundAt)
}

func TestHandleCheckErrorsRetryUntilPaused(t *testing.T) {
	f := newFixture(t)
	f.strategy.check = func(context.Context, models.Target) models.CheckResult {
		return models.CheckResult{Status: models.CheckError, ErrorMessage: "HTTP 502"}
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := f.d.HandleCheck(ctx, checkTask("t1"))
		require.Error(t, err)
		assert.False(t, apperr.IsPermanent(err))
	}
	err := f.d.HandleCheck(ctx, checkTask("t1"))
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))

	h, err := f.db.GetTargetHealth(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TargetPausedError, h.Status)
	assert.Len(t, f.notifier.ofType(models.NotifyTargetBlocked), 1)
}

func TestHandleCheckAntiBot(t *testing.T) {
	f := newFixture(t)
	f.strategy.check = func(context.Context, models.Target) models.CheckResult {
		return models.CheckResult{Status: models.CheckAntiBotDetected, ErrorMessage: "captcha page"}
	}

	err := f.d.HandleCheck(context.Background(), checkTask("t1"))
	assert.True(t, apperr.IsPermanent(err))

	h, err := f.db.GetTargetHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TargetCaptchaBlocked, h.Status)
	assert.Equal(t, 1, f.factory.closed())
	assert.Len(t, f.notifier.ofType(models.NotifyTargetBlocked), 1)
}

func TestHandleCheckTimeoutDiscardsSession(t *testing.T) {
	f := newFixture(t)
	f.strategy.check = func(ctx context.Context, _ models.Target) models.CheckResult {
		<-ctx.Done()
		return models.CheckResult{Status: models.CheckError}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := f.d.HandleCheck(ctx, checkTask("t1"))
	require.Error(t, err)
	assert.False(t, apperr.IsPermanent(err))
	assert.Contains(t, err.Error(), string(models.CheckTimeout))
	assert.Equal(t, 1, f.factory.closed())

	h, err := f.db.GetTargetHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.ConsecutiveErrors)
}

func TestHandleCheckPoolExhaustedDoesNotCount(t *testing.T) {
	f := newFixture(t)
	held, err := f.pool.Acquire(context.Background(), testTarget("t1", nil))
	require.NoError(t, err)
	defer held.Release()

	err = f.d.HandleCheck(context.Background(), checkTask("t1"))
	require.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.False(t, apperr.IsPermanent(err))

	h, err := f.db.GetTargetHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, h.ConsecutiveErrors)
}

func TestHandleCheckUnknownTarget(t *testing.T) {
	f := newFixture(t)
	err := f.d.HandleCheck(context.Background(), checkTask("ghost"))
	assert.ErrorIs(t, err, registry.ErrUnknownTarget)
	assert.True(t, apperr.IsPermanent(err))
}

func TestHandleCheckPanicReleasesSession(t *testing.T) {
	f := newFixture(t)
	f.strategy.check = func(context.Context, models.Target) models.CheckResult {
		panic("nil map")
	}
	assert.Panics(t, func() { _ = f.d.HandleCheck(context.Background(), checkTask("t1")) })
	assert.Equal(t, pool.Stats{Capacity: 1}, f.pool.Stats())
}

func TestCheckTerminalCountsOnlyPanics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.d.CheckTerminal(ctx, checkTask("t1"), errors.New("HTTP 502"))
	h, err := f.db.GetTargetHealth(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, h.ConsecutiveErrors)

	f.d.CheckTerminal(ctx, checkTask("t1"), fmt.Errorf("%w: boom", queue.ErrPanic))
	h, err = f.db.GetTargetHealth(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.ConsecutiveErrors)
}

func inBooking(t *testing.T, f *fixture, userID int64) *models.Client {
	t.Helper()
	c := f.addClient(t, userID, models.PlanPremium, "", time.Now())
	require.NoError(t, f.db.TransitionClient(context.Background(), c.ID, models.BookingWaiting, models.BookingInProgress, "", ""))
	return c
}

func TestHandleBookingSucceeds(t *testing.T) {
	f := newFixture(t)
	c := inBooking(t, f, 21)

	require.NoError(t, f.d.HandleBooking(context.Background(), bookingTask(c)))

	got, err := f.db.GetClient(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingBooked, got.BookingStatus)
	assert.Equal(t, "REF-1", got.ConfirmationRef)

	ok := f.notifier.ofType(models.NotifyBookingSucceeded)
	require.Len(t, ok, 1)
	assert.Equal(t, int64(21), ok[0].UserID)
	assert.Equal(t, "REF-1", ok[0].Metadata["confirmation_ref"])
}

func TestHandleBookingPaymentRequired(t *testing.T) {
	f := newFixture(t)
	c := inBooking(t, f, 22)
	f.strategy.book = func(context.Context, models.Client) models.BookingResult {
		return models.BookingResult{Success: true, PaymentRequired: true, ConfirmationRef: "PAY-9"}
	}

	require.NoError(t, f.d.HandleBooking(context.Background(), bookingTask(c)))
	assert.Equal(t, models.BookingPaymentWait, f.status(t, c.ID))

	pay := f.notifier.ofType(models.NotifyPaymentRequired)
	require.Len(t, pay, 1)
	assert.Equal(t, models.AdminUserID, pay[0].UserID)
	assert.Equal(t, "22", pay[0].Metadata["user_id"])
}

func TestHandleBookingRejectedIsTerminal(t *testing.T) {
	f := newFixture(t)
	c := inBooking(t, f, 23)
	f.strategy.book = func(context.Context, models.Client) models.BookingResult {
		return models.BookingResult{Error: "slot already taken"}
	}

	task := bookingTask(c)
	err := f.d.HandleBooking(context.Background(), task)
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
	assert.Equal(t, "slot already taken", apperr.Reason(err))

	got, err := f.db.GetClient(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingFailed, got.BookingStatus)
	assert.Equal(t, "slot already taken", got.FailureReason)

	// the terminal hook sees the client already failed
	f.d.BookingTerminal(context.Background(), task, err)
	assert.Len(t, f.notifier.ofType(models.NotifyBookingFailed), 1)
}

func TestHandleBookingPoolExhaustedRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	c := inBooking(t, f, 24)
	held, err := f.pool.Acquire(context.Background(), testTarget("t1", nil))
	require.NoError(t, err)

	task := bookingTask(c)
	err = f.d.HandleBooking(context.Background(), task)
	require.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.False(t, apperr.IsPermanent(err))
	assert.Zero(t, f.strategy.bookings.Load())
	assert.Equal(t, models.BookingInProgress, f.status(t, c.ID))
	held.Release()

	f.d.BookingTerminal(context.Background(), task, err)
	got, err := f.db.GetClient(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingFailed, got.BookingStatus)
	assert.Equal(t, reasonNoSession, got.FailureReason)
}

func TestHandleBookingTimeoutIsNotRetried(t *testing.T) {
	f := newFixture(t)
	c := inBooking(t, f, 25)
	f.strategy.book = func(ctx context.Context, _ models.Client) models.BookingResult {
		<-ctx.Done()
		return models.BookingResult{Error: "navigation aborted"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := f.d.HandleBooking(ctx, bookingTask(c))
	assert.True(t, apperr.IsPermanent(err))
	assert.Equal(t, reasonTimeout, apperr.Reason(err))
	assert.Equal(t, models.BookingFailed, f.status(t, c.ID))
	assert.Equal(t, 1, f.factory.closed())
}

func TestHandleBookingSkipsStaleClient(t *testing.T) {
	f := newFixture(t)
	c := f.addClient(t, 26, models.PlanFree, "", time.Now())

	require.NoError(t, f.d.HandleBooking(context.Background(), bookingTask(c)))
	assert.Zero(t, f.strategy.bookings.Load())
	assert.Equal(t, models.BookingWaiting, f.status(t, c.ID))
}

func TestHandleBookingPanicFailsClient(t *testing.T) {
	f := newFixture(t)
	c := inBooking(t, f, 27)
	f.strategy.book = func(context.Context, models.Client) models.BookingResult {
		panic("form field missing")
	}

	task := bookingTask(c)
	err := f.d.HandleBooking(context.Background(), task)
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
	assert.Equal(t, reasonCrashed, apperr.Reason(err))
	assert.Equal(t, models.BookingFailed, f.status(t, c.ID))
	assert.Equal(t, 1, f.factory.closed())
	assert.Equal(t, pool.Stats{Capacity: 1}, f.pool.Stats())
	assert.Len(t, f.notifier.ofType(models.NotifyBookingFailed), 1)
}

func TestHandleBookingCanceledWhileWaitingIsRetried(t *testing.T) {
	slow := testTarget("t1", models.Recipe{models.RecipeMinRequestDelay: "1h"})
	f := newFixture(t, slow)
	c := inBooking(t, f, 28)
	ctx := context.Background()

	// the first lease consumes the limiter token; the next Wait blocks
	first, err := f.pool.Acquire(ctx, slow)
	require.NoError(t, err)
	require.NoError(t, first.Wait(ctx))
	first.Release()

	cctx, cancel := context.WithCancel(ctx)
	time.AfterFunc(30*time.Millisecond, cancel)

	err = f.d.HandleBooking(cctx, bookingTask(c))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperr.IsPermanent(err))
	assert.Zero(t, f.strategy.bookings.Load())
	assert.Equal(t, models.BookingInProgress, f.status(t, c.ID))
	assert.Empty(t, f.notifier.ofType(models.NotifyBookingFailed))
}
