package admin

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"cp2077coop/server/internal/logging"
)

// Well known state file sections.
const (
	SectionWorld  = "world"
	SectionBans   = "bans"
	SectionArcade = "arcade"
)

type stateFile struct {
	SavedAt  int64                         `msgpack:"saved_at"`
	Sections map[string]msgpack.RawMessage `msgpack:"sections"`
}

// StateOption customises a StateFile.
type StateOption func(*StateFile)

// WithStateClock overrides the save timestamp source.
func WithStateClock(clock func() time.Time) StateOption {
	return func(s *StateFile) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithStateLogger attaches a logger.
func WithStateLogger(logger *logging.Logger) StateOption {
	return func(s *StateFile) {
		if logger != nil {
			s.log = logger
		}
	}
}

// StateFile persists named msgpack sections (world clock, bans, arcade
// scores) so they survive a restart. Tracked sources are sampled on every
// flush and only written when their encoding changed.
type StateFile struct {
	mu       sync.Mutex
	path     string
	interval time.Duration
	log      *logging.Logger
	now      func() time.Time

	sections map[string]msgpack.RawMessage
	sources  map[string]func() any
	dirty    bool

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	once    sync.Once
}

// OpenStateFile loads path if it exists. Call Start to begin periodic flushes.
func OpenStateFile(path string, interval time.Duration, opts ...StateOption) (*StateFile, error) {
	if path == "" {
		return nil, errors.New("state path must be provided")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &StateFile{
		path:     path,
		interval: interval,
		log:      logging.L(),
		now:      time.Now,
		sections: make(map[string]msgpack.RawMessage),
		sources:  make(map[string]func() any),
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StateFile) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var file stateFile
	if err := msgpack.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode state file: %w", err)
	}
	for name, raw := range file.Sections {
		s.sections[name] = append(msgpack.RawMessage(nil), raw...)
	}
	return nil
}

// Section decodes a stored section into out. It reports false when absent.
func (s *StateFile) Section(name string, out any) (bool, error) {
	if s == nil {
		return false, nil
	}
	s.mu.Lock()
	raw, ok := s.sections[name]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode section %s: %w", name, err)
	}
	return true, nil
}

// Record stores v under name and schedules a flush.
func (s *StateFile) Record(name string, v any) error {
	if s == nil {
		return nil
	}
	raw, err := encodeSorted(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.setLocked(name, raw)
	s.mu.Unlock()
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// encodeSorted orders map keys so unchanged sections encode identically.
func encodeSorted(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *StateFile) setLocked(name string, raw []byte) {
	if old, ok := s.sections[name]; ok && bytes.Equal(old, raw) {
		return
	}
	s.sections[name] = raw
	s.dirty = true
}

// Track samples fn on every flush and stores the result under name.
func (s *StateFile) Track(name string, fn func() any) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	s.sources[name] = fn
	s.mu.Unlock()
}

// Sections lists stored section names.
func (s *StateFile) Sections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flush samples tracked sources and writes the file when anything changed.
func (s *StateFile) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	sources := make(map[string]func() any, len(s.sources))
	for name, fn := range s.sources {
		sources[name] = fn
	}
	s.mu.Unlock()
	//1.- Sample outside the lock; sources take their own locks.
	sampled := make(map[string][]byte, len(sources))
	for name, fn := range sources {
		raw, err := encodeSorted(fn())
		if err != nil {
			return fmt.Errorf("encode section %s: %w", name, err)
		}
		sampled[name] = raw
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, raw := range sampled {
		s.setLocked(name, raw)
	}
	if !s.dirty {
		return nil
	}
	data, err := msgpack.Marshal(stateFile{SavedAt: s.now().UnixMilli(), Sections: s.sections})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	s.dirty = false
	return nil
}

func (s *StateFile) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist server state", logging.Error(err), logging.String("path", s.path))
	}
}

// Start launches the periodic flush loop.
func (s *StateFile) Start() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.loop()
}

func (s *StateFile) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the loop and writes the final state.
func (s *StateFile) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.doneCh
		}
		err = s.Flush()
	})
	return err
}
