package mediacache

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"mailbot/pkg/logx"
)

// SweepReport summarizes one retention pass.
type SweepReport struct {
	Deleted int `json:"deleted"`
	Kept    int `json:"kept"`
	Entries int `json:"entries"`
}

// Sweep removes cache entries whose creation time AND last-use time are both
// older than the configured retention, plus any on-disk files the metadata no
// longer knows about.
func (c *Cache) Sweep() SweepReport {
	return c.sweep(time.Duration(c.cfg.RetentionDays) * 24 * time.Hour)
}

func (c *Cache) sweep(age time.Duration) SweepReport {
	cutoff := time.Now().Add(-age).Unix()
	var rep SweepReport

	c.mu.Lock()
	for key, e := range c.meta {
		oldest := e.LastUsed
		if e.CreatedAt < oldest {
			oldest = e.CreatedAt
		}
		if oldest >= cutoff {
			rep.Kept++
			continue
		}
		if e.LocalPath != "" {
			if err := os.Remove(e.LocalPath); err != nil && !os.IsNotExist(err) {
				c.log.Error("sweep remove failed", logx.String("path", e.LocalPath), logx.Err(err))
			}
		}
		delete(c.meta, key)
		rep.Deleted++
	}
	if rep.Deleted > 0 {
		if err := c.saveMetadataLocked(); err != nil {
			c.log.Warn("media metadata save failed", logx.Err(err))
		}
	}
	known := make(map[string]bool, len(c.meta))
	for _, e := range c.meta {
		known[e.LocalPath] = true
	}
	rep.Entries = len(c.meta)
	c.mu.Unlock()

	// Orphans: files on disk that metadata no longer tracks.
	rep.Deleted += c.removeOrphans(known, cutoff)

	c.log.Info("media cache sweep done",
		logx.Int("deleted", rep.Deleted), logx.Int("kept", rep.Kept))
	return rep
}

func (c *Cache) removeOrphans(known map[string]bool, cutoff int64) int {
	removed := 0
	_ = filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if d.Name() == "metadata.json" {
			return nil
		}
		if known[path] {
			return nil
		}
		// A stale .part is a download interrupted by a crash; the mtime check
		// below keeps in-flight ones alive.
		info, err := d.Info()
		if err != nil || info.ModTime().Unix() >= cutoff {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
			c.log.Debug("orphaned media file removed", logx.String("path", path))
		}
		return nil
	})
	return removed
}

// ForceSweep deletes anything unused within the force window regardless of the
// long-tail retention. Manual operator escape valve; never run automatically.
func (c *Cache) ForceSweep() int {
	cutoff := time.Now().Add(-time.Duration(c.cfg.ForceUnusedDays) * 24 * time.Hour).Unix()
	deleted := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.meta {
		if e.LastUsed >= cutoff {
			continue
		}
		if e.LocalPath != "" {
			if err := os.Remove(e.LocalPath); err != nil && !os.IsNotExist(err) {
				c.log.Error("force sweep remove failed", logx.String("path", e.LocalPath), logx.Err(err))
				continue
			}
		}
		delete(c.meta, key)
		deleted++
	}
	if err := c.saveMetadataLocked(); err != nil {
		c.log.Warn("media metadata save failed", logx.Err(err))
	}
	c.log.Warn("media cache force sweep done", logx.Int("deleted", deleted))
	return deleted
}

// StorageStats describes the cache for the ops surface.
type StorageStats struct {
	Files      int            `json:"files"`
	TotalBytes int64          `json:"total_bytes"`
	Entries    int            `json:"entries"`
	ByKind     map[string]int `json:"by_kind"`
	OldestDays float64        `json:"oldest_days"`
}

func (c *Cache) Stats() StorageStats {
	st := StorageStats{ByKind: map[string]int{}}

	_ = filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() == "metadata.json" {
			return nil
		}
		if info, err := d.Info(); err == nil {
			st.Files++
			st.TotalBytes += info.Size()
		}
		return nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	st.Entries = len(c.meta)
	now := time.Now().Unix()
	var oldest int64
	for _, e := range c.meta {
		st.ByKind[e.Kind]++
		if oldest == 0 || e.CreatedAt < oldest {
			oldest = e.CreatedAt
		}
	}
	if oldest > 0 {
		st.OldestDays = float64(now-oldest) / 86400
	}
	return st
}
