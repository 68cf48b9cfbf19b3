package datatanker

import (
	"log"

	"github.com/robfig/cron/v3"
)

// FlushScheduler periodically calls Flush on a storage according to a cron
// expression, for callers who want bounded durability exposure without
// calling Flush after every mutation. Grounded on the teacher's
// internal/storage/scheduler.go use of robfig/cron for background jobs,
// trimmed to the one job this engine needs.
type FlushScheduler struct {
	cron    *cron.Cron
	storage *Storage
}

// startScheduler wires up the optional FlushScheduler named by
// opts.AutoFlushCron. A blank expression leaves s.scheduler nil.
func (s *Storage) startScheduler(opts Options) error {
	if opts.AutoFlushCron == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(opts.AutoFlushCron, func() {
		if err := s.Flush(); err != nil {
			log.Printf("datatanker: scheduled flush failed for %s: %v", s.path, err)
		}
	})
	if err != nil {
		return newNotSupportedError("invalid AutoFlushCron expression: " + err.Error())
	}
	c.Start()
	s.scheduler = &FlushScheduler{cron: c, storage: s}
	return nil
}

// Stop halts the scheduler; subsequent scheduled flushes do not run. Safe
// to call multiple times.
func (fs *FlushScheduler) Stop() {
	if fs == nil || fs.cron == nil {
		return
	}
	ctx := fs.cron.Stop()
	<-ctx.Done()
}
