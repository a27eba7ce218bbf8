package session

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper schedules periodic Store.Reap calls using a cron expression (the
// specification's default: "@every 30m" against a 24h retention window).
type Reaper struct {
	store    *Store
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
}

// NewReaper builds a Reaper that has not yet started.
func NewReaper(store *Store, schedule string, maxAge time.Duration) *Reaper {
	return &Reaper{store: store, maxAge: maxAge, schedule: schedule}
}

// Start registers the reap job and begins the cron scheduler's goroutine.
func (r *Reaper) Start() error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.store.Reap(r.maxAge); err != nil && r.store.Logger != nil {
			r.store.Logger.WithFields(nil).WithError(err).Error("session reap failed")
		}
	})
	if err != nil {
		return fmt.Errorf("session: register reap schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight reap to finish.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
}
