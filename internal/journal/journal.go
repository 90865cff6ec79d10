// Package journal appends operator-visible actions to a JSON lines audit log
// and rotates full logs into zstd compressed archives.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"cp2077coop/server/internal/logging"
)

const (
	// FileName is the live log inside the journal directory.
	FileName = "journal.log"
	// DefaultMaxBytes rotates the live log.
	DefaultMaxBytes int64 = 10 << 20
	// DefaultQueueDepth bounds entries waiting for the writer.
	DefaultQueueDepth = 1024
	// DefaultKeepArchives bounds the rotated archives kept on disk.
	DefaultKeepArchives = 32
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal: closed")

// Entry is one audit line.
type Entry struct {
	Tick     uint64 `json:"tick"`
	PeerID   uint32 `json:"peerId"`
	Action   string `json:"action"`
	EntityID uint64 `json:"entityId"`
	Delta    int64  `json:"delta"`
}

// Stats count writer activity.
type Stats struct {
	Written   uint64
	Dropped   uint64
	Rotations uint64
	Bytes     int64
}

type item struct {
	entry Entry
	flush chan struct{}
}

// Option customises a Journal.
type Option func(*Journal)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithMaxBytes overrides the rotation size.
func WithMaxBytes(n int64) Option {
	return func(j *Journal) {
		if n > 0 {
			j.maxBytes = n
		}
	}
}

// WithTick supplies the simulation tick stamped on entries.
func WithTick(tick func() uint64) Option {
	return func(j *Journal) {
		if tick != nil {
			j.tick = tick
		}
	}
}

// WithQueueDepth overrides the writer backlog.
func WithQueueDepth(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.depth = n
		}
	}
}

// WithKeepArchives bounds how many rotated archives survive a rotation.
func WithKeepArchives(n int) Option {
	return func(j *Journal) { j.keep = n }
}

// Journal owns the live log file and its writer goroutine.
type Journal struct {
	dir      string
	maxBytes int64
	depth    int
	keep     int
	logger   *logging.Logger
	tick     func() uint64

	queue chan item
	done  chan struct{}

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool

	file    *os.File
	buf     *bufio.Writer
	size    int64
	index   int
	pending uint64

	subMu  sync.Mutex
	subs   map[int]chan Entry
	nextID int

	written   atomic.Uint64
	dropped   atomic.Uint64
	rotations atomic.Uint64
	bytes     atomic.Int64
}

// Open prepares dir and starts the writer.
func Open(dir string, opts ...Option) (*Journal, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	j := &Journal{
		dir:      dir,
		maxBytes: DefaultMaxBytes,
		depth:    DefaultQueueDepth,
		keep:     DefaultKeepArchives,
		logger:   logging.L(),
		tick:     func() uint64 { return 0 },
		subs:     make(map[int]chan Entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	//1.- Continue numbering after archives left by earlier runs.
	archives, err := Archives(dir)
	if err != nil {
		return nil, err
	}
	if n := len(archives); n > 0 {
		j.index = archiveIndex(archives[n-1]) + 1
	}
	if err := j.openLive(); err != nil {
		return nil, err
	}
	j.queue = make(chan item, j.depth)
	j.done = make(chan struct{})
	go j.run()
	return j, nil
}

func (j *Journal) openLive() error {
	f, err := os.OpenFile(filepath.Join(j.dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.buf = bufio.NewWriter(f)
	j.size = info.Size()
	j.bytes.Store(j.size)
	return nil
}

// Log stamps the current tick and queues an entry without blocking.
func (j *Journal) Log(peerID uint32, action string, entityID uint64, delta int64) {
	if j == nil {
		return
	}
	j.Append(Entry{Tick: j.tick(), PeerID: peerID, Action: action, EntityID: entityID, Delta: delta})
}

// Append queues e. A full queue drops the entry and counts it.
func (j *Journal) Append(e Entry) error {
	if j == nil {
		return ErrClosed
	}
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	select {
	case j.queue <- item{entry: e}:
		return nil
	default:
		if j.dropped.Add(1) == 1 {
			j.logger.Warn("journal backlog full; dropping entries", logging.Int("depth", j.depth))
		}
		return nil
	}
}

// Flush blocks until every entry queued before the call is on disk.
func (j *Journal) Flush() error {
	if j == nil {
		return ErrClosed
	}
	ack := make(chan struct{})
	j.closeMu.RLock()
	if j.closed {
		j.closeMu.RUnlock()
		return ErrClosed
	}
	j.queue <- item{flush: ack}
	j.closeMu.RUnlock()
	<-ack
	return nil
}

func (j *Journal) run() {
	defer close(j.done)
	for it := range j.queue {
		if it.flush != nil {
			j.flushBuffer()
			close(it.flush)
			continue
		}
		if err := j.write(it.entry); err != nil {
			j.logger.Error("journal write failed", logging.Error(err), logging.String("action", it.entry.Action))
		}
		//1.- Reach the disk once the backlog drains.
		if len(j.queue) == 0 {
			j.flushBuffer()
		}
	}
}

// flushBuffer writes buffered lines. A failed flush leaves the writer
// unusable, so the live file is reopened and the buffered entries are
// counted as dropped.
func (j *Journal) flushBuffer() {
	if j.pending == 0 {
		return
	}
	err := j.buf.Flush()
	if err == nil {
		j.pending = 0
		return
	}
	j.logger.Error("journal flush failed", logging.Error(err), logging.Uint64("lost", j.pending))
	j.dropped.Add(j.pending)
	j.pending = 0
	j.reopen()
}

func (j *Journal) reopen() {
	_ = j.file.Close()
	if err := j.openLive(); err != nil {
		j.logger.Error("journal reopen failed", logging.Error(err))
	}
}

func (j *Journal) write(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := j.buf.Write(line); err != nil {
		j.dropped.Add(j.pending + 1)
		j.pending = 0
		j.reopen()
		return err
	}
	j.pending++
	j.size += int64(len(line))
	j.bytes.Store(j.size)
	j.written.Add(1)
	j.publish(e)
	if j.size >= j.maxBytes {
		return j.rotate()
	}
	return nil
}

// rotate compresses the live log into journal.log.<index>.zst and truncates it.
// The live file is open again whenever rotate returns.
func (j *Journal) rotate() error {
	if err := j.buf.Flush(); err != nil {
		j.dropped.Add(j.pending)
		j.pending = 0
		j.reopen()
		return fmt.Errorf("flush journal: %w", err)
	}
	j.pending = 0
	if err := j.file.Close(); err != nil {
		if openErr := j.openLive(); openErr != nil {
			return openErr
		}
		return fmt.Errorf("close journal: %w", err)
	}
	live := filepath.Join(j.dir, FileName)
	archive := filepath.Join(j.dir, fmt.Sprintf("%s.%d.zst", FileName, j.index))
	if err := compressFile(live, archive); err != nil {
		//1.- Keep appending to the uncompressed log rather than losing entries.
		if openErr := j.openLive(); openErr != nil {
			return openErr
		}
		return fmt.Errorf("rotate journal: %w", err)
	}
	j.index++
	if err := os.Truncate(live, 0); err != nil {
		if openErr := j.openLive(); openErr != nil {
			return openErr
		}
		return fmt.Errorf("truncate journal: %w", err)
	}
	j.rotations.Add(1)
	if err := j.openLive(); err != nil {
		return err
	}
	j.logger.Info("journal rotated", logging.String("archive", filepath.Base(archive)))
	if j.keep > 0 {
		j.prune()
	}
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	_, err = io.Copy(enc, in)
	if closeErr := enc.Close(); err == nil {
		err = closeErr
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

func (j *Journal) prune() {
	archives, err := Archives(j.dir)
	if err != nil {
		j.logger.Warn("journal retention scan failed", logging.Error(err))
		return
	}
	for len(archives) > j.keep {
		if err := os.Remove(archives[0]); err != nil {
			j.logger.Warn("journal retention removal failed", logging.Error(err), logging.String("archive", archives[0]))
			return
		}
		archives = archives[1:]
	}
}

// Subscribe streams written entries until cancel runs. Slow subscribers miss
// entries instead of stalling the writer.
func (j *Journal) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	j.subMu.Lock()
	id := j.nextID
	j.nextID++
	j.subs[id] = ch
	j.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.subMu.Lock()
			if _, ok := j.subs[id]; ok {
				delete(j.subs, id)
				close(ch)
			}
			j.subMu.Unlock()
		})
	}
}

func (j *Journal) publish(e Entry) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Stats returns the counters.
func (j *Journal) Stats() Stats {
	if j == nil {
		return Stats{}
	}
	return Stats{
		Written:   j.written.Load(),
		Dropped:   j.dropped.Load(),
		Rotations: j.rotations.Load(),
		Bytes:     j.bytes.Load(),
	}
}

// Close drains the queue, flushes and closes the file and ends subscriptions.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var firstErr error
	j.closeOnce.Do(func() {
		j.closeMu.Lock()
		j.closed = true
		close(j.queue)
		j.closeMu.Unlock()
		<-j.done
		if err := j.buf.Flush(); err != nil {
			firstErr = err
		}
		if err := j.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		j.subMu.Lock()
		for id, ch := range j.subs {
			delete(j.subs, id)
			close(ch)
		}
		j.subMu.Unlock()
	})
	return firstErr
}

// Archives lists rotated archives in dir ordered by index.
func Archives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && archiveIndex(e.Name()) >= 0 {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sortByIndex(out)
	return out, nil
}

func archiveIndex(path string) int {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, FileName+".") || !strings.HasSuffix(name, ".zst") {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, FileName+"."), ".zst"))
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func sortByIndex(paths []string) {
	sort.Slice(paths, func(a, b int) bool { return archiveIndex(paths[a]) < archiveIndex(paths[b]) })
}

// ReadEntries decodes a live log or, for a .zst path, a rotated archive.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	}
	var out []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return out, fmt.Errorf("decode journal line: %w", err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
