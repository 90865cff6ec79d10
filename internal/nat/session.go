// Package nat negotiates a peer path through an ICE style traversal agent and
// accounts for how each peer ended up connected.
package nat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// DefaultHandshakeTimeout bounds one connectivity attempt.
	DefaultHandshakeTimeout = 20 * time.Second
	// PollInterval is how often the traversal agent is sampled during a handshake.
	PollInterval = 100 * time.Millisecond
	// MaxRemoteCandidates caps the candidates accepted from one peer.
	MaxRemoteCandidates = 32

	ufragPrefix     = "a=ice-ufrag:"
	pwdPrefix       = "a=ice-pwd:"
	endOfCandidates = "a=end-of-candidates"
)

var (
	ErrNoRemote     = errors.New("nat: no remote candidates")
	ErrTimeout      = errors.New("nat: handshake deadline exceeded")
	ErrFailed       = errors.New("nat: connectivity checks failed")
	ErrInProgress   = errors.New("nat: handshake already attempted")
	ErrTooManyCands = errors.New("nat: too many remote candidates")
)

// Method records how a peer path was established.
type Method uint8

const (
	MethodNone Method = iota
	MethodDirect
	MethodRelay
)

func (m Method) String() string {
	switch m {
	case MethodDirect:
		return "direct"
	case MethodRelay:
		return "relay"
	}
	return "none"
}

// Credentials are the ICE username fragment and password of one side.
type Credentials struct {
	Ufrag string
	Pwd   string
}

// NewCredentials draws fresh random ICE credentials.
func NewCredentials() Credentials {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	pwd := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Credentials{Ufrag: raw[:8], Pwd: pwd}
}

// TurnCredentials describe a relay allocation. They are scrubbed after every attempt.
type TurnCredentials struct {
	Host         string
	Port         int
	User         string
	Pass         string
	AllocationID uuid.UUID
}

// Progress is one sample of the traversal agent state.
type Progress struct {
	Connected  bool
	Failed     bool
	RelayBytes uint64
}

// Traversal is the connectivity agent driven by a Session.
type Traversal interface {
	GatherCandidates(local Credentials, turn *TurnCredentials) ([]string, error)
	SetRemote(remote Credentials, candidates []string) error
	Connect() error
	Poll() Progress
	IsConnected() bool
}

// Sender delivers candidate messages to the remote peer.
type Sender interface {
	Send(peerID uint32, msg protocol.Message) error
}

// Result is the outcome of one handshake.
type Result struct {
	Method     Method
	RelayBytes uint64
	RTT        time.Duration
	Err        error
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithSessionLogger attaches a logger.
func WithSessionLogger(logger *logging.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessionClock overrides the clock used for RTT measurement.
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTimeout overrides DefaultHandshakeTimeout.
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTurn supplies relay credentials for the next attempt.
func WithTurn(turn TurnCredentials) SessionOption {
	return func(s *Session) {
		if turn.AllocationID == uuid.Nil {
			turn.AllocationID = uuid.New()
		}
		s.turn = &turn
	}
}

// Session runs candidate exchange and one handshake for a single peer.
type Session struct {
	mu        sync.Mutex
	peerID    uint32
	traversal Traversal
	out       Sender
	logger    *logging.Logger
	clock     func() time.Time
	timeout   time.Duration

	local     Credentials
	turn      *TurnCredentials
	remote    Credentials
	cands     []string
	complete  bool
	attempted bool
	finished  bool
	result    Result
}

// NewSession binds a traversal agent to peerID.
func NewSession(peerID uint32, traversal Traversal, out Sender, opts ...SessionOption) *Session {
	s := &Session{
		peerID:    peerID,
		traversal: traversal,
		out:       out,
		logger:    logging.L(),
		clock:     time.Now,
		timeout:   DefaultHandshakeTimeout,
		local:     NewCredentials(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Local returns the credentials this side advertises.
func (s *Session) Local() Credentials { return s.local }

// Start gathers local candidates and trickles them to the peer, credentials first.
func (s *Session) Start() error {
	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	cands, err := s.traversal.GatherCandidates(s.local, turn)
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(cands)+3)
	lines = append(lines, ufragPrefix+s.local.Ufrag, pwdPrefix+s.local.Pwd)
	lines = append(lines, cands...)
	lines = append(lines, endOfCandidates)
	if s.out == nil {
		return nil
	}
	for _, line := range lines {
		if err := s.out.Send(s.peerID, &protocol.NatCandidate{Candidate: line}); err != nil {
			return err
		}
	}
	return nil
}

// AddRemote records one trickled line. It reports true once the peer signalled
// the end of its candidates.
func (s *Session) AddRemote(line string) (bool, error) {
	line = strings.TrimSpace(line)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case line == "":
	case strings.HasPrefix(line, ufragPrefix):
		s.remote.Ufrag = strings.TrimPrefix(line, ufragPrefix)
	case strings.HasPrefix(line, pwdPrefix):
		s.remote.Pwd = strings.TrimPrefix(line, pwdPrefix)
	case line == endOfCandidates:
		s.complete = true
	default:
		for _, c := range s.cands {
			if c == line {
				return s.complete, nil
			}
		}
		if len(s.cands) >= MaxRemoteCandidates {
			return s.complete, ErrTooManyCands
		}
		s.cands = append(s.cands, line)
	}
	return s.complete, nil
}

// Handshake runs the connectivity checks until connected, failed, the
// deadline passes or ctx is cancelled. TURN credentials are scrubbed afterwards.
func (s *Session) Handshake(ctx context.Context) Result {
	s.mu.Lock()
	if s.attempted {
		s.mu.Unlock()
		return Result{Err: ErrInProgress}
	}
	s.attempted = true
	remote, cands := s.remote, append([]string(nil), s.cands...)
	s.mu.Unlock()

	res := s.handshake(ctx, remote, cands)

	s.mu.Lock()
	s.turn = nil
	s.result = res
	s.finished = true
	s.mu.Unlock()
	if res.Err != nil {
		s.logger.Warn("nat handshake failed", logging.Uint32("peer_id", s.peerID), logging.Error(res.Err))
	} else {
		s.logger.Info("nat handshake complete",
			logging.Uint32("peer_id", s.peerID),
			logging.String("method", res.Method.String()),
			logging.Uint64("relay_bytes", res.RelayBytes),
			logging.Duration("rtt", res.RTT))
	}
	return res
}

func (s *Session) handshake(ctx context.Context, remote Credentials, cands []string) Result {
	if len(cands) == 0 {
		return Result{Err: ErrNoRemote}
	}
	start := s.clock()
	//1.- Hand the agent the remote description and kick off the checks.
	if err := s.traversal.SetRemote(remote, cands); err != nil {
		return Result{Err: err}
	}
	if err := s.traversal.Connect(); err != nil {
		return Result{Err: err}
	}
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	//2.- Sample until a terminal state; relay bytes decide the method.
	for {
		p := s.traversal.Poll()
		if p.Connected {
			method := MethodDirect
			if p.RelayBytes > 0 {
				method = MethodRelay
			}
			return Result{Method: method, RelayBytes: p.RelayBytes, RTT: s.clock().Sub(start)}
		}
		if p.Failed {
			return Result{RelayBytes: p.RelayBytes, Err: ErrFailed}
		}
		select {
		case <-ctx.Done():
			return Result{Err: ctx.Err()}
		case <-deadline.C:
			return Result{Err: ErrTimeout}
		case <-ticker.C:
		}
	}
}

// HasTurn reports whether relay credentials are still held.
func (s *Session) HasTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn != nil
}

// Result returns the outcome of the finished handshake.
func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.finished
}
