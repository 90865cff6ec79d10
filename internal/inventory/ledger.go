package inventory

import (
	"sync"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// MaxBalance caps any wallet.
	MaxBalance = protocol.MaxEddies
	// MaxNoncesPerPeer bounds the replay memory kept for one peer; the oldest
	// nonces are forgotten first.
	MaxNoncesPerPeer = 4096
)

type nonceKey struct {
	peerID uint32
	nonce  uint64
}

// Ledger is the single entry point for currency changes. Every external
// transfer carries a nonce and is applied at most once.
type Ledger struct {
	mu        sync.Mutex
	logger    *logging.Logger
	journal   Journal
	balances  map[uint32]uint64
	processed map[nonceKey]uint64
	order     map[uint32][]uint64
	// parked holds wallets of departed players keyed by display name.
	parked map[string]uint64
	// seeded holds balances from a loaded save keyed by the peer ids it recorded.
	seeded map[uint32]uint64
}

// LedgerOption customises a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerLogger attaches a logger.
func WithLedgerLogger(logger *logging.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLedgerJournal records every applied transfer.
func WithLedgerJournal(j Journal) LedgerOption {
	return func(l *Ledger) { l.journal = j }
}

// NewLedger constructs an empty ledger.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		logger:    logging.L(),
		balances:  make(map[uint32]uint64),
		processed: make(map[nonceKey]uint64),
		order:     make(map[uint32][]uint64),
		parked:    make(map[string]uint64),
		seeded:    make(map[uint32]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Balance returns a peer's wallet.
func (l *Ledger) Balance(peerID uint32) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[peerID]
}

// SetBalance seeds a wallet, used when a save is loaded.
func (l *Ledger) SetBalance(peerID uint32, balance uint64) {
	if balance > MaxBalance {
		balance = MaxBalance
	}
	l.mu.Lock()
	l.balances[peerID] = balance
	l.mu.Unlock()
}

// Transfer applies delta to peerID's wallet once per nonce. A replayed nonce
// is a no-op reporting the balance recorded when it was first applied.
func (l *Ledger) Transfer(peerID uint32, delta int64, nonce uint64) (balance uint64, replay bool, err error) {
	l.mu.Lock()
	key := nonceKey{peerID, nonce}
	//1.- Replays return the original outcome untouched.
	if bal, ok := l.processed[key]; ok {
		l.mu.Unlock()
		return bal, true, nil
	}
	bal, err := l.applyLocked(peerID, delta)
	if err != nil {
		cur := l.balances[peerID]
		l.mu.Unlock()
		return cur, false, err
	}
	//2.- Remember the nonce, forgetting the oldest once the per-peer window is full.
	l.processed[key] = bal
	seen := append(l.order[peerID], nonce)
	if len(seen) > MaxNoncesPerPeer {
		delete(l.processed, nonceKey{peerID, seen[0]})
		seen = seen[1:]
	}
	l.order[peerID] = seen
	l.mu.Unlock()
	if l.journal != nil {
		l.journal.Log(peerID, "transfer", nonce, delta)
	}
	return bal, false, nil
}

func (l *Ledger) applyLocked(peerID uint32, delta int64) (uint64, error) {
	cur := l.balances[peerID]
	switch {
	case delta < 0:
		debit := uint64(-delta)
		if cur < debit {
			return cur, ErrInsufficientFunds
		}
		cur -= debit
	case delta > 0:
		if uint64(delta) > MaxBalance-cur {
			return cur, ErrBalanceLimit
		}
		cur += uint64(delta)
	}
	l.balances[peerID] = cur
	return cur, nil
}

// exchange swaps currency between two wallets atomically.
func (l *Ledger) exchange(a, b uint32, fromA, fromB uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balA, balB := l.balances[a], l.balances[b]
	//1.- Verify both debits and both credits before touching either wallet.
	if balA < fromA || balB < fromB {
		return ErrInsufficientFunds
	}
	balA, balB = balA-fromA+fromB, balB-fromB+fromA
	if balA > MaxBalance || balB > MaxBalance {
		return ErrBalanceLimit
	}
	l.balances[a], l.balances[b] = balA, balB
	return nil
}

// HandleTransfer applies a client TransferRequest and builds the response.
// Clients may only spend; credits come from server-side controllers.
func (l *Ledger) HandleTransfer(peerID uint32, req *protocol.TransferRequest) *protocol.TransferResult {
	if req == nil {
		return &protocol.TransferResult{Code: protocol.ResultInvalid}
	}
	if req.Delta > 0 {
		l.logger.Warn("client credit rejected", logging.Uint32("peer_id", peerID), logging.Int64("delta", req.Delta))
		return &protocol.TransferResult{Code: protocol.ResultInvalid, Balance: l.Balance(peerID), Nonce: req.Nonce}
	}
	bal, replay, err := l.Transfer(peerID, req.Delta, req.Nonce)
	if replay {
		l.logger.Debug("transfer replay ignored", logging.Uint32("peer_id", peerID), logging.Uint64("nonce", req.Nonce))
	}
	return &protocol.TransferResult{Code: Code(err), Balance: bal, Nonce: req.Nonce}
}

func (l *Ledger) forgetLocked(peerID uint32) uint64 {
	bal := l.balances[peerID]
	for _, nonce := range l.order[peerID] {
		delete(l.processed, nonceKey{peerID, nonce})
	}
	delete(l.order, peerID)
	delete(l.balances, peerID)
	return bal
}

// Park closes a departing peer's wallet and keeps its balance under owner so
// the player finds it again when they rejoin. An empty owner forgets it.
func (l *Ledger) Park(peerID uint32, owner string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.forgetLocked(peerID)
	if owner != "" {
		l.parked[owner] = bal
	}
	return bal
}

// Open sets up peerID's wallet at session start. A wallet parked under owner
// wins over a balance seeded from a loaded save.
func (l *Ledger) Open(peerID uint32, owner string) uint64 {
	l.mu.Lock()
	bal, ok := l.parked[owner]
	if ok && owner != "" {
		delete(l.parked, owner)
	} else {
		bal = l.seeded[peerID]
	}
	delete(l.seeded, peerID)
	l.mu.Unlock()
	l.SetBalance(peerID, bal)
	return l.Balance(peerID)
}

// Seed stages balances from a loaded save for peers that have not joined yet.
func (l *Ledger) Seed(balances map[uint32]uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seeded = make(map[uint32]uint64, len(balances))
	for id, bal := range balances {
		l.seeded[id] = bal
	}
}

// Parked copies the wallets of departed players for persistence.
func (l *Ledger) Parked() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.parked))
	for owner, bal := range l.parked {
		out[owner] = bal
	}
	return out
}

// LoadParked replaces the parked wallets, capping each at MaxBalance.
func (l *Ledger) LoadParked(wallets map[string]uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.parked = make(map[string]uint64, len(wallets))
	for owner, bal := range wallets {
		if bal > MaxBalance {
			bal = MaxBalance
		}
		l.parked[owner] = bal
	}
}
