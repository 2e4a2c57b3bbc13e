// Package queue runs durable, retrying tasks on one worker pool per task kind.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"slotwatch/internal/apperr"
	"slotwatch/internal/database"
	"slotwatch/internal/metrics"
	"slotwatch/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrDuplicate     = errors.New("task with the same key is already outstanding")
	ErrTransportFull = errors.New("transport buffer full")
	ErrNoHandler     = errors.New("no handler registered for task kind")
	ErrPanic         = errors.New("task handler panicked")
)

// Store persists tasks. *database.DB implements it.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	ClaimTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status, errMsg string, nextRetryAt *time.Time) error
	GetPendingTasks(ctx context.Context, kind models.TaskKind, limit int) ([]*models.Task, error)
	HasOutstanding(ctx context.Context, kind models.TaskKind, key string) (bool, error)
	CountOpenTasks(ctx context.Context, kind models.TaskKind) (int, error)
	ResetRunningTasks(ctx context.Context) (int64, error)
}

// Handler runs one attempt of a task. Returning an apperr.Permanent error
// fails the task without retrying.
type Handler func(ctx context.Context, task *models.Task) error

// TerminalHook is called once when a task fails for good.
type TerminalHook func(ctx context.Context, task *models.Task, cause error)

type KindOptions struct {
	Workers     int
	Timeout     time.Duration
	MaxAttempts int
}

type Options struct {
	Kinds        map[models.TaskKind]KindOptions
	Retry        RetryPolicy
	PollInterval time.Duration
	PopWait      time.Duration
}

// Event types delivered to observers.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventRetry     = "retry"
	EventFailed    = "failed"
)

// TaskEvent is delivered to observers after each state change.
type TaskEvent struct {
	Type     string
	Task     models.Task
	Err      error
	Duration time.Duration
	NextAt   *time.Time
}

type Queue struct {
	store     Store
	transport Transport
	opts      Options
	logger    *zerolog.Logger

	mu        sync.RWMutex
	handlers  map[models.TaskKind]Handler
	hooks     map[models.TaskKind]TerminalHook
	observers []func(TaskEvent)

	rngMu sync.Mutex
	rng   *rand.Rand

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(store Store, transport Transport, opts Options, logger *zerolog.Logger) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PopWait <= 0 {
		opts.PopWait = time.Second
	}
	if opts.Kinds == nil {
		opts.Kinds = map[models.TaskKind]KindOptions{}
	}
	for _, kind := range models.TaskKinds {
		k := opts.Kinds[kind]
		if k.Workers <= 0 {
			k.Workers = 1
		}
		if k.Timeout <= 0 {
			k.Timeout = time.Minute
		}
		if k.MaxAttempts <= 0 {
			k.MaxAttempts = models.DefaultMaxAttempts
		}
		opts.Kinds[kind] = k
	}
	if transport == nil {
		transport = NewMemoryTransport(0)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "queue").Logger()

	return &Queue{
		store:     store,
		transport: transport,
		opts:      opts,
		logger:    &l,
		handlers:  make(map[models.TaskKind]Handler),
		hooks:     make(map[models.TaskKind]TerminalHook),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Handle registers the handler of a kind. Must be called before Start.
func (q *Queue) Handle(kind models.TaskKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// OnTerminal registers the terminal-failure hook of a kind.
func (q *Queue) OnTerminal(kind models.TaskKind, hook TerminalHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks[kind] = hook
}

// Subscribe adds an observer. Observers run synchronously on worker
// goroutines and must not block.
func (q *Queue) Subscribe(fn func(TaskEvent)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

// Enqueue persists a task and hands it to the transport. A non-empty key
// makes the task single-flight: ErrDuplicate is returned while another task
// with the same kind and key is unfinished.
func (q *Queue) Enqueue(ctx context.Context, kind models.TaskKind, key string, payload interface{}) (*models.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	task := &models.Task{
		Kind:        kind,
		Key:         key,
		Payload:     string(raw),
		Status:      models.TaskStatusPending,
		MaxAttempts: q.opts.Kinds[kind].MaxAttempts,
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, database.ErrDuplicateTask) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("persist task: %w", err)
	}

	if err := q.transport.Push(ctx, kind, task.ID); err != nil {
		q.logger.Warn().Err(err).Str("task_id", task.ID).Str("kind", string(kind)).
			Msg("transport push failed, task left to polling")
	}
	return task, nil
}

// Outstanding reports whether a task with the key is pending, running or
// waiting for a retry.
func (q *Queue) Outstanding(ctx context.Context, kind models.TaskKind, key string) (bool, error) {
	return q.store.HasOutstanding(ctx, kind, key)
}

// Start recovers interrupted tasks and launches the worker pools.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	q.started = true
	q.mu.Unlock()

	n, err := q.store.ResetRunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("recover running tasks: %w", err)
	}
	if n > 0 {
		q.logger.Info().Int64("tasks", n).Msg("recovered interrupted tasks")
	}

	ctx, q.cancel = context.WithCancel(ctx)
	for _, kind := range models.TaskKinds {
		opts := q.opts.Kinds[kind]
		work := make(chan string)

		q.wg.Add(1)
		go q.feed(ctx, kind, opts.Workers, work)

		for i := 0; i < opts.Workers; i++ {
			q.wg.Add(1)
			go q.work(ctx, kind, work)
		}
		q.logger.Info().Str("kind", string(kind)).Int("workers", opts.Workers).Msg("worker pool started")
	}
	return nil
}

// Stop cancels the pools and waits for running handlers to return.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info().Msg("queue stopped")
}

// feed moves ids from the transport (or the store when the transport is
// idle) to the workers of one kind.
func (q *Queue) feed(ctx context.Context, kind models.TaskKind, batch int, work chan<- string) {
	defer q.wg.Done()
	defer close(work)

	lastPoll := time.Time{}
	for ctx.Err() == nil {
		id, ok, err := q.transport.Pop(ctx, kind, q.opts.PopWait)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn().Err(err).Str("kind", string(kind)).Msg("transport pop failed")
			sleep(ctx, q.opts.PollInterval)
		}
		if ok {
			if !send(ctx, work, id) {
				return
			}
			continue
		}

		if time.Since(lastPoll) < q.opts.PollInterval {
			continue
		}
		lastPoll = time.Now()
		q.poll(ctx, kind, batch, work)
	}
}

func (q *Queue) poll(ctx context.Context, kind models.TaskKind, batch int, work chan<- string) {
	if open, err := q.store.CountOpenTasks(ctx, kind); err == nil {
		metrics.SetQueueOpen(string(kind), open)
	}

	tasks, err := q.store.GetPendingTasks(ctx, kind, batch)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error().Err(err).Str("kind", string(kind)).Msg("fetch pending tasks")
		}
		return
	}
	for _, t := range tasks {
		if !send(ctx, work, t.ID) {
			return
		}
	}
}

func (q *Queue) work(ctx context.Context, kind models.TaskKind, work <-chan string) {
	defer q.wg.Done()
	for id := range work {
		q.process(ctx, kind, id)
	}
}

func (q *Queue) process(ctx context.Context, kind models.TaskKind, id string) {
	task, err := q.store.ClaimTask(ctx, id)
	if err != nil {
		if !errors.Is(err, database.ErrStatusConflict) && ctx.Err() == nil {
			q.logger.Error().Err(err).Str("task_id", id).Msg("claim task")
		}
		return
	}

	// bookkeeping must survive shutdown
	bg := context.WithoutCancel(ctx)
	log := q.logger.With().Str("task_id", task.ID).Str("kind", string(kind)).Str("key", task.Key).
		Int("attempt", task.Attempt).Logger()

	q.emit(TaskEvent{Type: EventStarted, Task: *task})
	start := time.Now()
	err = q.run(ctx, kind, task, &log)
	dur := time.Since(start)

	if err == nil {
		if uerr := q.store.UpdateTaskStatus(bg, task.ID, models.TaskStatusCompleted, "", nil); uerr != nil {
			log.Error().Err(uerr).Msg("mark completed")
		}
		task.Status = models.TaskStatusCompleted
		metrics.ObserveTask(string(kind), EventCompleted, dur)
		log.Debug().Dur("dur", dur).Msg("task completed")
		q.emit(TaskEvent{Type: EventCompleted, Task: *task, Duration: dur})
		return
	}

	if ctx.Err() != nil && !apperr.IsPermanent(err) {
		// interrupted by shutdown; picked up again after restart
		q.retry(bg, task, err, 0, dur, &log)
		return
	}

	if apperr.IsPermanent(err) || task.Attempt >= task.MaxAttempts {
		q.fail(bg, task, err, dur, &log)
		return
	}

	delay := q.delay(task.Attempt, err)
	q.retry(bg, task, err, delay, dur, &log)
}

func (q *Queue) run(ctx context.Context, kind models.TaskKind, task *models.Task, log *zerolog.Logger) (err error) {
	q.mu.RLock()
	h := q.handlers[kind]
	q.mu.RUnlock()
	if h == nil {
		return apperr.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, kind))
	}

	runCtx, cancel := context.WithTimeout(ctx, q.opts.Kinds[kind].Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("task panic")
		}
	}()
	return h(runCtx, task)
}

func (q *Queue) delay(attempt int, err error) time.Duration {
	q.rngMu.Lock()
	rnd := q.rng.Float64()
	q.rngMu.Unlock()

	d := q.opts.Retry.NextDelay(attempt, rnd)
	if hint, ok := apperr.RetryAfterHint(err); ok && hint > d {
		d = hint
	}
	return d
}

func (q *Queue) retry(ctx context.Context, task *models.Task, cause error, delay, dur time.Duration, log *zerolog.Logger) {
	next := time.Now().Add(delay)
	if err := q.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRetry, cause.Error(), &next); err != nil {
		log.Error().Err(err).Msg("mark retry")
	}
	if err := q.transport.Schedule(ctx, task.Kind, task.ID, next); err != nil {
		log.Warn().Err(err).Msg("schedule retry failed, task left to polling")
	}
	task.Status = models.TaskStatusRetry
	msg := cause.Error()
	task.LastError = &msg
	task.NextRetryAt = &next

	metrics.ObserveTask(string(task.Kind), EventRetry, dur)
	log.Warn().Err(cause).Dur("delay", delay).Msg("task retry scheduled")
	q.emit(TaskEvent{Type: EventRetry, Task: *task, Err: cause, Duration: dur, NextAt: &next})
}

func (q *Queue) fail(ctx context.Context, task *models.Task, cause error, dur time.Duration, log *zerolog.Logger) {
	if err := q.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, cause.Error(), nil); err != nil {
		log.Error().Err(err).Msg("mark failed")
	}
	task.Status = models.TaskStatusFailed
	msg := cause.Error()
	task.LastError = &msg

	if err := q.transport.DeadLetter(ctx, task); err != nil {
		log.Warn().Err(err).Msg("dead-letter push failed")
	}
	metrics.ObserveTask(string(task.Kind), EventFailed, dur)
	log.Warn().Err(cause).Bool("permanent", apperr.IsPermanent(cause)).Msg("task failed")

	q.mu.RLock()
	hook := q.hooks[task.Kind]
	q.mu.RUnlock()
	if hook != nil {
		q.runHook(ctx, hook, task, cause, log)
	}
	q.emit(TaskEvent{Type: EventFailed, Task: *task, Err: cause, Duration: dur})
}

func (q *Queue) runHook(ctx context.Context, hook TerminalHook, task *models.Task, cause error, log *zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("terminal hook panic")
		}
	}()
	hook(ctx, task, cause)
}

func (q *Queue) emit(ev TaskEvent) {
	q.mu.RLock()
	observers := append([]func(TaskEvent){}, q.observers...)
	q.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

func send(ctx context.Context, work chan<- string, id string) bool {
	select {
	case work <- id:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Decode unmarshals a task payload into v.
func Decode(task *models.Task, v interface{}) error {
	if err := json.Unmarshal([]byte(task.Payload), v); err != nil {
		return apperr.Permanent(fmt.Errorf("decode %s payload: %w", task.Kind, err))
	}
	return nil
}
