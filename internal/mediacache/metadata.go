package mediacache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mailbot/pkg/logx"
)

// entry is one sidecar record, keyed by the content hash of the reference.
type entry struct {
	Ref       string `json:"ref"`
	Kind      string `json:"kind"`
	LocalPath string `json:"local_path"`
	Filename  string `json:"filename,omitempty"`
	CreatedAt int64  `json:"created_at"` // unix seconds
	LastUsed  int64  `json:"last_used"`
	UseCount  int    `json:"use_count"`
}

func (c *Cache) metadataPath() string {
	return filepath.Join(c.dir, "metadata.json")
}

// loadMetadata reads the sidecar; a missing file is an empty cache, a
// corrupted one is discarded rather than failing startup.
func (c *Cache) loadMetadata() {
	c.meta = map[string]*entry{}
	b, err := os.ReadFile(c.metadataPath())
	if err != nil {
		return
	}
	if err := json.Unmarshal(b, &c.meta); err != nil {
		c.log.Error("media metadata unreadable; starting empty", logx.Err(err))
		c.meta = map[string]*entry{}
	}
}

// saveMetadataLocked rewrites the sidecar atomically. Callers hold c.mu.
func (c *Cache) saveMetadataLocked() error {
	b, err := json.MarshalIndent(c.meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.metadataPath())
}

// touchLocked records a (re)use of the keyed payload.
func (c *Cache) touchLocked(key, ref, kind, path, filename string) {
	now := time.Now().Unix()
	if e, ok := c.meta[key]; ok {
		e.LastUsed = now
		e.UseCount++
		return
	}
	c.meta[key] = &entry{
		Ref:       ref,
		Kind:      kind,
		LocalPath: path,
		Filename:  filename,
		CreatedAt: now,
		LastUsed:  now,
		UseCount:  1,
	}
}

// sanitizeFilename keeps a safe basename for downstream presentation.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.TrimSpace(b.String())
}
