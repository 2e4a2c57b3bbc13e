package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"slotwatch/internal/config"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Reload reads the restricted file and applies it. A missing file lifts
// all restrictions.
func (s *Scheduler) Reload(path string) error {
	r, err := config.LoadRestricted(path)
	if errors.Is(err, os.ErrNotExist) {
		return s.Apply(config.Restricted{})
	}
	if err != nil {
		return err
	}
	return s.Apply(r)
}

// Watch applies the restricted file once, then re-applies it whenever it
// changes until ctx is done. The directory is watched so editors that
// replace the file by rename are picked up.
func (s *Scheduler) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	file := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	if err := s.Reload(path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("restricted config rejected")
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := s.Reload(path); err != nil {
				s.logger.Warn().Err(err).Str("path", path).Msg("restricted config rejected")
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	s.logger.Info().Str("path", path).Msg("watching restricted config")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Str("dir", dir).Msg("restricted watch error")
		}
	}
}
