package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"cp2077coop/server/internal/config"
)

// rotatingFile appends to path and rolls it over once maxSize is reached.
// Rolled files are named path.<UTC stamp>[.gz] and pruned by count and age.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
	seq  int
}

func openRotatingFile(cfg config.LoggingConfig) (*rotatingFile, error) {
	switch {
	case cfg.MaxSizeMB <= 0:
		return nil, errors.New("COOP_LOG_MAX_SIZE_MB must be positive")
	case cfg.MaxBackups < 0:
		return nil, errors.New("COOP_LOG_MAX_BACKUPS must be non-negative")
	case cfg.MaxAgeDays < 0:
		return nil, errors.New("COOP_LOG_MAX_AGE_DAYS must be non-negative")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	r := &rotatingFile{
		path:       cfg.Path,
		maxSize:    int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := r.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) open(mode int) error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	r.file, r.size = file, info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *rotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	//1.- Two rotations inside the same second get a sequence suffix.
	r.seq++
	rolled := fmt.Sprintf("%s.%s-%03d", r.path, r.now().UTC().Format("20060102T150405"), r.seq%1000)
	if err := os.Rename(r.path, rolled); err != nil {
		return err
	}
	if r.compress {
		if err := gzipFile(rolled); err == nil {
			_ = os.Remove(rolled)
		}
	}
	r.prune()
	return r.open(os.O_TRUNC)
}

// prune removes rolled files beyond maxBackups or older than maxAge.
func (r *rotatingFile) prune() {
	dir, base := filepath.Dir(r.path), filepath.Base(r.path)+"."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type rolledFile struct {
		path string
		mod  time.Time
	}
	var rolled []rolledFile
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		rolled = append(rolled, rolledFile{path: filepath.Join(dir, entry.Name()), mod: info.ModTime()})
	}
	sort.Slice(rolled, func(i, j int) bool { return rolled[i].mod.After(rolled[j].mod) })
	cutoff := time.Time{}
	if r.maxAge > 0 {
		cutoff = r.now().Add(-r.maxAge)
	}
	for i, f := range rolled {
		if (r.maxBackups > 0 && i >= r.maxBackups) || f.mod.Before(cutoff) {
			_ = os.Remove(f.path)
		}
	}
}

func gzipFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(src+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		_ = out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
