package repository

import (
	"context"
	"sync/atomic"
	"time"

	"slotwatch/internal/domain"

	"github.com/rs/zerolog"
)

const recoverAfter = time.Minute

// FailoverStateStore uses primary until it errors, then serves from
// fallback and retries primary once a minute.
type FailoverStateStore struct {
	primary   domain.StateStore
	fallback  domain.StateStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverStateStore(primary, fallback domain.StateStore, logger *zerolog.Logger) *FailoverStateStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverStateStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// usePrimary reports whether the call should go to primary, probing it
// again after recoverAfter.
func (r *FailoverStateStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoverAfter
}

func (r *FailoverStateStore) primaryFailed(err error) {
	if !r.isDown.Load() {
		r.logger.Error().Err(err).Msg("Primary state store failed, falling back to memory")
	}
	r.isDown.Store(true)
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverStateStore) primaryOK() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary state store recovered")
	}
}

func (r *FailoverStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	if r.usePrimary() {
		v, ok, err := r.primary.Get(ctx, key)
		if err == nil {
			r.primaryOK()
			return v, ok, nil
		}
		r.primaryFailed(err)
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverStateStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.Set(ctx, key, value, ttl)
		if err == nil {
			r.primaryOK()
			return nil
		}
		r.primaryFailed(err)
	}
	return r.fallback.Set(ctx, key, value, ttl)
}

func (r *FailoverStateStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if r.usePrimary() {
		ok, err := r.primary.SetNX(ctx, key, value, ttl)
		if err == nil {
			r.primaryOK()
			return ok, nil
		}
		r.primaryFailed(err)
	}
	return r.fallback.SetNX(ctx, key, value, ttl)
}

// Delete clears both stores so a stale fallback entry cannot outlive a
// recovery.
func (r *FailoverStateStore) Delete(ctx context.Context, key string) error {
	_ = r.fallback.Delete(ctx, key)
	if r.usePrimary() {
		err := r.primary.Delete(ctx, key)
		if err == nil {
			r.primaryOK()
			return nil
		}
		r.primaryFailed(err)
	}
	return nil
}
