package engine

import (
	"time"

	"github.com/seedcloud/seedcloud/storage"
)

// scheduleLoop applies schedule rules once a minute and the cleanup policy
// once an hour.
func (e *Engine) scheduleLoop() {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-tick.C:
			e.applySchedule(now)
			e.applySeedPolicy()
		case <-cleanup.C:
			e.applyCleanup()
		}
	}
}

// ruleMatches checks the weekly window; windows may wrap past midnight.
func ruleMatches(r storage.ScheduleRule, now time.Time) bool {
	if r.DayMask&(1<<int(now.Weekday())) == 0 {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if r.StartMinute <= r.EndMinute {
		return minute >= r.StartMinute && minute < r.EndMinute
	}
	return minute >= r.StartMinute || minute < r.EndMinute
}

func (e *Engine) applySchedule(now time.Time) {
	rules, err := e.store.ScheduleRules()
	if err != nil || len(rules) == 0 {
		return
	}
	pause := false
	for _, r := range rules {
		if r.Action == "pause" && ruleMatches(r, now) {
			pause = true
		}
	}
	for _, t := range e.snapshotList() {
		st := t.Snapshot().State
		if pause && (st.Active() || st == StateSeeding) {
			log.Println("[schedule] pausing", t.InfoHash)
			t.mu.Lock()
			t.schedulerPaused = true
			t.mu.Unlock()
			e.PauseTorrent(t.InfoHash)
		} else if !pause && st == StatePaused && e.Config().AutoStart {
			// resume only torrents the scheduler itself paused
			t.mu.Lock()
			resumable := t.schedulerPaused
			t.schedulerPaused = false
			t.mu.Unlock()
			if resumable {
				log.Println("[schedule] resuming", t.InfoHash)
				e.StartTorrent(t.InfoHash)
			}
		}
	}
}

// applySeedPolicy stops seeding once the configured ratio or time is hit.
func (e *Engine) applySeedPolicy() {
	cfg := e.Config()
	if cfg.SeedRatio <= 0 && cfg.SeedTime <= 0 {
		return
	}
	for _, t := range e.snapshotList() {
		snap := t.Snapshot()
		if snap.State != StateSeeding {
			continue
		}
		stop := false
		if cfg.SeedRatio > 0 && snap.Downloaded > 0 &&
			float32(snap.Uploaded)/float32(snap.Downloaded) >= cfg.SeedRatio {
			stop = true
		}
		t.mu.Lock()
		startedAt := t.startedAt
		t.mu.Unlock()
		if cfg.SeedTime > 0 && !startedAt.IsZero() && time.Since(startedAt) > cfg.SeedTime {
			stop = true
		}
		if stop {
			log.Println("[seed] stopping", t.InfoHash, "(seed policy reached)")
			e.PauseTorrent(t.InfoHash)
		}
	}
}

// applyCleanup removes finished torrents older than the keep horizon.
func (e *Engine) applyCleanup() {
	keepDays := e.Config().CleanupKeepDays
	if keepDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	for _, t := range e.snapshotList() {
		snap := t.Snapshot()
		done := snap.State == StateSeeding || snap.State == StateComplete
		if done && snap.AddedAt.Before(cutoff) {
			log.Println("[cleanup] removing finished torrent", t.InfoHash)
			e.DeleteTorrent(t.InfoHash, false)
		}
	}
}
