package inventory

import (
	"sync"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

type offer struct {
	items  []uint64
	eddies uint64
}

type trade struct {
	id     uint64
	peers  [2]uint32
	offers [2]offer
	accept [2]bool
}

func (t *trade) side(peerID uint32) int {
	switch peerID {
	case t.peers[0]:
		return 0
	case t.peers[1]:
		return 1
	}
	return -1
}

// Trades runs two-party escrowed trades. Offered items are locked in escrow
// until the trade commits or fails, and a commit is all-or-nothing.
type Trades struct {
	mu     sync.Mutex
	store  *Store
	logger *logging.Logger
	nextID uint64
	byPeer map[uint32]*trade
}

// NewTrades binds the trade controller to the item store and its ledger.
func NewTrades(store *Store) *Trades {
	return &Trades{store: store, logger: store.logger.Named("trade"), byPeer: make(map[uint32]*trade)}
}

// Init opens a trade between two peers not already trading.
func (t *Trades) Init(fromPeer, toPeer uint32) error {
	if fromPeer == 0 || toPeer == 0 || fromPeer == toPeer {
		return ErrInvalid
	}
	t.mu.Lock()
	if t.byPeer[fromPeer] != nil || t.byPeer[toPeer] != nil {
		t.mu.Unlock()
		return ErrTradeBusy
	}
	t.nextID++
	tr := &trade{id: t.nextID, peers: [2]uint32{fromPeer, toPeer}}
	t.byPeer[fromPeer] = tr
	t.byPeer[toPeer] = tr
	t.mu.Unlock()
	msg := &protocol.TradeInit{FromPeer: fromPeer, ToPeer: toPeer}
	t.store.send(fromPeer, msg)
	t.store.send(toPeer, msg)
	return nil
}

// Offer replaces peerID's side of its trade. Both accept flags reset.
func (t *Trades) Offer(peerID uint32, items []uint64, eddies uint64) error {
	if len(items) > protocol.MaxTradeItems {
		return ErrTooManyItems
	}
	t.mu.Lock()
	tr := t.byPeer[peerID]
	if tr == nil {
		t.mu.Unlock()
		return ErrNoTrade
	}
	side := tr.side(peerID)
	//1.- Validate ownership and lock the new offer before releasing the old one.
	s := t.store
	s.mu.Lock()
	seen := make(map[uint64]struct{}, len(items))
	for _, id := range items {
		if _, dup := seen[id]; dup {
			s.mu.Unlock()
			t.mu.Unlock()
			return ErrInvalid
		}
		seen[id] = struct{}{}
		it, ok := s.items[id]
		if !ok {
			s.mu.Unlock()
			t.mu.Unlock()
			return ErrNotFound
		}
		if it.OwnerID != peerID {
			s.mu.Unlock()
			t.mu.Unlock()
			return ErrNotOwner
		}
		if holder, held := s.escrow[id]; held && holder != tr.id {
			s.mu.Unlock()
			t.mu.Unlock()
			return ErrEscrowed
		}
	}
	if eddies > s.ledger.Balance(peerID) {
		s.mu.Unlock()
		t.mu.Unlock()
		return ErrInsufficientFunds
	}
	for _, id := range tr.offers[side].items {
		delete(s.escrow, id)
	}
	for _, id := range items {
		s.escrow[id] = tr.id
	}
	s.mu.Unlock()
	tr.offers[side] = offer{items: append([]uint64(nil), items...), eddies: eddies}
	tr.accept = [2]bool{}
	other := tr.peers[1-side]
	t.mu.Unlock()
	t.store.send(other, &protocol.TradeOffer{FromPeer: peerID, Items: append([]uint64(nil), items...), Eddies: eddies})
	return nil
}

// Accept records peerID's decision. When both sides accept the trade commits.
func (t *Trades) Accept(peerID uint32, accept bool) (bool, error) {
	t.mu.Lock()
	tr := t.byPeer[peerID]
	if tr == nil {
		t.mu.Unlock()
		return false, ErrNoTrade
	}
	tr.accept[tr.side(peerID)] = accept
	ready := tr.accept[0] && tr.accept[1]
	if ready {
		delete(t.byPeer, tr.peers[0])
		delete(t.byPeer, tr.peers[1])
	}
	t.mu.Unlock()
	msg := &protocol.TradeAccept{PeerID: peerID, Accept: accept}
	t.store.send(tr.peers[0], msg)
	t.store.send(tr.peers[1], msg)
	if !ready {
		return false, nil
	}
	err := t.finalize(tr)
	return err == nil, err
}

// finalize re-verifies both offers and commits them atomically.
func (t *Trades) finalize(tr *trade) error {
	s := t.store
	s.mu.Lock()
	err := t.verifyLocked(tr)
	if err == nil {
		err = s.ledger.exchange(tr.peers[0], tr.peers[1], tr.offers[0].eddies, tr.offers[1].eddies)
	}
	var moved []protocol.ItemSnap
	if err == nil {
		//1.- Swap ownership only after both wallets moved.
		for side, o := range tr.offers {
			for _, id := range o.items {
				it := s.items[id]
				it.OwnerID = tr.peers[1-side]
				moved = append(moved, *it)
			}
		}
	}
	t.releaseLocked(tr)
	s.mu.Unlock()

	if s.out != nil {
		s.out.Broadcast(&protocol.TradeFinalize{OK: err == nil, Code: Code(err)})
	}
	if err != nil {
		t.logger.Info("trade rejected", logging.Uint32("peer_a", tr.peers[0]), logging.Uint32("peer_b", tr.peers[1]), logging.Error(err))
		return err
	}
	s.broadcastItems(moved)
	for side, o := range tr.offers {
		peerID := tr.peers[side]
		for _, id := range o.items {
			s.record(peerID, "trade", id, 0)
		}
		if o.eddies > 0 {
			s.record(peerID, "trade_eddies", tr.id, -int64(o.eddies))
		}
	}
	return nil
}

func (t *Trades) verifyLocked(tr *trade) error {
	s := t.store
	for side, o := range tr.offers {
		for _, id := range o.items {
			it, ok := s.items[id]
			if !ok {
				return ErrNotFound
			}
			if it.OwnerID != tr.peers[side] || s.escrow[id] != tr.id {
				return ErrNotOwner
			}
		}
	}
	return nil
}

func (t *Trades) releaseLocked(tr *trade) {
	for _, o := range tr.offers {
		for _, id := range o.items {
			if t.store.escrow[id] == tr.id {
				delete(t.store.escrow, id)
			}
		}
	}
}

// Cancel aborts peerID's trade, returning escrowed items to their owners.
func (t *Trades) Cancel(peerID uint32) error {
	t.mu.Lock()
	tr := t.byPeer[peerID]
	if tr == nil {
		t.mu.Unlock()
		return ErrNoTrade
	}
	delete(t.byPeer, tr.peers[0])
	delete(t.byPeer, tr.peers[1])
	t.mu.Unlock()
	t.store.mu.Lock()
	t.releaseLocked(tr)
	t.store.mu.Unlock()
	msg := &protocol.TradeFinalize{OK: false, Code: protocol.ResultDenied}
	t.store.send(tr.peers[0], msg)
	t.store.send(tr.peers[1], msg)
	return nil
}

// Trading reports whether peerID has a pending trade.
func (t *Trades) Trading(peerID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byPeer[peerID] != nil
}

// RemovePeer cancels a departed peer's trade.
func (t *Trades) RemovePeer(peerID uint32) {
	_ = t.Cancel(peerID)
}
