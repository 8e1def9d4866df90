package scriptlog

import (
	"time"

	"github.com/robfig/cron/v3"
)

// expirer is satisfied by BboltStore; kept as an unexported interface so
// Sweeper itself never needs to know the storage is bbolt-backed.
type expirer interface {
	expire(ttl time.Duration) error
}

// Sweeper runs a store's TTL expiry on a cron schedule instead of a
// hand-rolled ticker loop.
type Sweeper struct {
	store expirer
	ttl   time.Duration
	cron  *cron.Cron
	onErr func(error)
}

// NewSweeper schedules periodic expiry of entries older than ttl. schedule
// is a standard cron expression; module.go defaults it to "@every 1m".
// onErr, if non-nil, is called with any error an expire pass returns — a
// sweep failure should never crash the process it's running inside.
func NewSweeper(store *BboltStore, ttl time.Duration, schedule string, onErr func(error)) (*Sweeper, error) {
	s := &Sweeper{store: store, ttl: ttl, cron: cron.New(), onErr: onErr}
	_, err := s.cron.AddFunc(schedule, s.runOnce)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) runOnce() {
	if err := s.store.expire(s.ttl); err != nil && s.onErr != nil {
		s.onErr(err)
	}
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
