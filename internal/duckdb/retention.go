package duckdb

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const retentionInterval = time.Hour

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	RetentionDays int
}

// RetentionCleaner periodically deletes points older than the configured
// retention period.
type RetentionCleaner struct {
	store         *Store
	retentionDays int
	now           func() time.Time
	done          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewRetentionCleaner starts a cleaner. It returns nil when retention is
// disabled (RetentionDays <= 0).
func NewRetentionCleaner(store *Store, conf RetentionConfig) *RetentionCleaner {
	if conf.RetentionDays <= 0 {
		return nil
	}

	rc := &RetentionCleaner{
		store:         store,
		retentionDays: conf.RetentionDays,
		now:           time.Now,
		done:          make(chan struct{}),
	}

	// Catch up after downtime.
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()
	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cutoff() time.Time {
	return rc.now().Add(-time.Duration(rc.retentionDays) * 24 * time.Hour)
}

func (rc *RetentionCleaner) cleanup() {
	rows, err := rc.store.DeleteBefore(rc.cutoff())
	if err != nil {
		rc.store.log.Error("duckdb: retention cleanup failed", zap.Error(err))
		return
	}
	if rows > 0 {
		rc.store.log.Info("duckdb: retention cleanup",
			zap.Int64("rows", rows), zap.Int("retention_days", rc.retentionDays))
	}
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
