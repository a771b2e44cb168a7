package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/apex/log"

	"roadwatch/models"
)

// StatsWriter persists the admin stats snapshot to a best-effort flat file
// on the serving host, mirroring it into the KV store. Rapid updates are
// coalesced into a single write after a quiet period; the small data-loss
// window on abrupt termination is accepted in exchange for reduced write
// amplification. Flush drains any pending write synchronously for clean
// shutdown.
type StatsWriter struct {
	path  string
	store *Store
	quiet time.Duration

	mutex   sync.Mutex
	pending *models.StatsSnapshot
	timer   *time.Timer
}

// DefaultQuietPeriod is how long the writer waits for updates to settle
// before committing a snapshot.
const DefaultQuietPeriod = 800 * time.Millisecond

func NewStatsWriter(path string, store *Store, quiet time.Duration) *StatsWriter {
	return &StatsWriter{path: path, store: store, quiet: quiet}
}

// Load returns the current snapshot: the flat file wins, the KV mirror is
// the fallback, and an empty snapshot is the floor.
func (w *StatsWriter) Load() models.StatsSnapshot {
	w.mutex.Lock()
	if w.pending != nil {
		snap := *w.pending
		w.mutex.Unlock()
		return snap
	}
	w.mutex.Unlock()

	var snap models.StatsSnapshot
	if data, err := os.ReadFile(w.path); err == nil {
		if err := json.Unmarshal(data, &snap); err == nil {
			return snap
		}
		log.Warnf("Stats file is corrupt, falling back to store: %v", err)
	}

	w.store.mutex.Lock()
	data := w.store.read(KeyStats)
	w.store.mutex.Unlock()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &snap); err != nil {
			log.Warnf("Stored stats snapshot is corrupt: %v", err)
			return models.StatsSnapshot{}
		}
	}
	return snap
}

// Update replaces the pending snapshot and arms the quiet-period timer.
func (w *StatsWriter) Update(snap models.StatsSnapshot) {
	snap.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.pending = &snap
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.quiet, func() {
		if err := w.Flush(); err != nil {
			log.Errorf("Debounced stats flush failed: %v", err)
		}
	})
}

// RecordInvalid bumps the rejected-submission counter.
func (w *StatsWriter) RecordInvalid(at time.Time) {
	snap := w.Load()
	snap.Stats.InvalidCount++
	ts := at.UTC().Format(time.RFC3339)
	snap.Stats.LastInvalidAt = &ts
	w.Update(snap)
}

// Flush synchronously writes any pending snapshot.
func (w *StatsWriter) Flush() error {
	w.mutex.Lock()
	snap := w.pending
	w.pending = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mutex.Unlock()

	if snap == nil {
		return nil
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	if err := os.WriteFile(w.path, data, 0o644); err != nil {
		log.Warnf("Failed to write stats file %s: %v", w.path, err)
	}
	if err := w.store.kv.Set(KeyStats, data); err != nil {
		return fmt.Errorf("failed to mirror stats snapshot: %w", err)
	}
	return nil
}
