package mediacache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"mailbot/internal/transport"
	"mailbot/pkg/logx"
)

// Fetcher is the narrow slice of the delivery channel the cache needs.
type Fetcher interface {
	Download(ctx context.Context, ref string) (io.ReadCloser, error)
}

type Config struct {
	Dir string

	// RetentionDays is the long-tail Sweep threshold (default 180).
	RetentionDays int
	// ForceUnusedDays is the ForceSweep threshold (default 30).
	ForceUnusedDays int
}

type Cache struct {
	dir     string
	cfg     Config
	fetcher Fetcher
	log     logx.Logger

	mu   sync.Mutex
	meta map[string]*entry

	// One lock per hashed ref so overlapping materializations of the same
	// payload fetch once instead of racing over the shared temp file.
	inflight map[string]*sync.Mutex
}

var kindSubdirs = map[transport.ContentKind]string{
	transport.KindPhoto:     "photos",
	transport.KindVideo:     "videos",
	transport.KindDocument:  "documents",
	transport.KindVoice:     "voices",
	transport.KindVideoNote: "video_notes",
}

var kindExts = map[transport.ContentKind]string{
	transport.KindPhoto:     ".jpg",
	transport.KindVideo:     ".mp4",
	transport.KindDocument:  "", // keep whatever the original name carries
	transport.KindVoice:     ".ogg",
	transport.KindVideoNote: ".mp4",
}

func New(cfg Config, fetcher Fetcher, log logx.Logger) (*Cache, error) {
	if cfg.Dir == "" {
		cfg.Dir = "./media_cache"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 180
	}
	if cfg.ForceUnusedDays <= 0 {
		cfg.ForceUnusedDays = 30
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	c := &Cache{dir: cfg.Dir, cfg: cfg, fetcher: fetcher, log: log, inflight: map[string]*sync.Mutex{}}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	for _, sub := range kindSubdirs {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	c.loadMetadata()
	c.log.Info("media cache ready", logx.String("dir", cfg.Dir), logx.Int("entries", len(c.meta)))
	return c, nil
}

func hashRef(ref string) string {
	sum := md5.Sum([]byte(ref))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) localPath(ref string, kind transport.ContentKind, origName string) string {
	sub, ok := kindSubdirs[kind]
	if !ok {
		sub = "other"
	}
	ext := kindExts[kind]
	if kind == transport.KindDocument {
		ext = filepath.Ext(sanitizeFilename(origName))
	}
	return filepath.Join(c.dir, sub, hashRef(ref)+ext)
}

// Materialize returns a local path for the payload behind ref, fetching it
// from the channel only if no cached copy exists. A fetch failure removes any
// partially written file and propagates; callers must not treat a partial
// file as cached.
func (c *Cache) Materialize(ctx context.Context, ref string, kind transport.ContentKind, origName string) (string, error) {
	if ref == "" {
		return "", errors.New("empty media reference")
	}
	if !kind.NeedsMedia() {
		return "", fmt.Errorf("content kind %q has no media payload", kind)
	}

	key := hashRef(ref)
	path := c.localPath(ref, kind, origName)
	name := sanitizeFilename(origName)

	refMu := c.refLock(key)
	refMu.Lock()
	defer refMu.Unlock()

	if _, err := os.Stat(path); err == nil {
		c.mu.Lock()
		c.touchLocked(key, ref, string(kind), path, name)
		saveErr := c.saveMetadataLocked()
		c.mu.Unlock()
		if saveErr != nil {
			c.log.Warn("media metadata save failed", logx.Err(saveErr))
		}
		c.log.Debug("media cache hit", logx.String("ref", ref), logx.String("path", path))
		return path, nil
	}

	if err := c.download(ctx, ref, path); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.touchLocked(key, ref, string(kind), path, name)
	saveErr := c.saveMetadataLocked()
	c.mu.Unlock()
	if saveErr != nil {
		c.log.Warn("media metadata save failed", logx.Err(saveErr))
	}
	c.log.Info("media payload cached", logx.String("ref", ref), logx.String("path", path))
	return path, nil
}

// refLock hands out the per-ref mutex, creating it on first use. The map only
// ever grows, but it is bounded by the number of distinct media references.
func (c *Cache) refLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil {
		c.inflight = map[string]*sync.Mutex{}
	}
	m := c.inflight[key]
	if m == nil {
		m = &sync.Mutex{}
		c.inflight[key] = m
	}
	return m
}

// download fetches ref into path via a temp file, retrying transient failures.
// Channel rejections (invalid reference) are not retried.
func (c *Cache) download(ctx context.Context, ref, path string) error {
	tmp := path + ".part"

	err := retry.Do(
		func() error {
			rc, err := c.fetcher.Download(ctx, ref)
			if err != nil {
				if errors.Is(err, transport.ErrChannelRejected) {
					return retry.Unrecoverable(fmt.Errorf("fetch %s: %w", ref, err))
				}
				return fmt.Errorf("fetch %s: %w", ref, err)
			}
			defer rc.Close()

			f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, rc); err != nil {
				_ = f.Close()
				_ = os.Remove(tmp)
				return fmt.Errorf("write %s: %w", tmp, err)
			}
			if err := f.Close(); err != nil {
				_ = os.Remove(tmp)
				return err
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("media fetch retry", logx.String("ref", ref), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Filename returns the stored presentation filename for a cached reference.
func (c *Cache) Filename(ref string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.meta[hashRef(ref)]; ok {
		return e.Filename
	}
	return ""
}
