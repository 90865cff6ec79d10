// Package inventory owns items, wallets, trades and vendor stock. Items have a
// single owner at any instant or sit in the escrow of exactly one pending trade.
package inventory

import (
	"errors"
	"sort"
	"sync"

	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// AttachSlots is the number of mod slots per item.
	AttachSlots = 4
	// RerollCost is debited through the ledger for each stat reroll.
	RerollCost int64 = 250
)

var (
	ErrNotFound              = errors.New("inventory: unknown item")
	ErrNotOwner              = errors.New("inventory: item owned by another peer")
	ErrInsufficientFunds     = errors.New("inventory: insufficient funds")
	ErrInsufficientMaterials = errors.New("inventory: insufficient materials")
	ErrBalanceLimit          = errors.New("inventory: balance limit exceeded")
	ErrSlotOccupied          = errors.New("inventory: attachment slot occupied")
	ErrSlotRange             = errors.New("inventory: attachment slot out of range")
	ErrEscrowed              = errors.New("inventory: item held in trade escrow")
	ErrUnknownRecipe         = errors.New("inventory: unknown recipe")
	ErrUnknownVendor         = errors.New("inventory: unknown vendor")
	ErrOutOfStock            = errors.New("inventory: out of stock")
	ErrNoTrade               = errors.New("inventory: no pending trade")
	ErrTradeBusy             = errors.New("inventory: peer already trading")
	ErrTooManyItems          = errors.New("inventory: too many items offered")
	ErrInvalid               = errors.New("inventory: invalid request")
)

// Code maps an inventory error onto the wire result code.
func Code(err error) protocol.ResultCode {
	switch {
	case err == nil:
		return protocol.ResultOK
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownRecipe), errors.Is(err, ErrUnknownVendor), errors.Is(err, ErrNoTrade):
		return protocol.ResultNotFound
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrEscrowed):
		return protocol.ResultNotOwner
	case errors.Is(err, ErrInsufficientFunds):
		return protocol.ResultInsufficientFunds
	case errors.Is(err, ErrBalanceLimit):
		return protocol.ResultDenied
	case errors.Is(err, ErrInsufficientMaterials):
		return protocol.ResultInsufficientMaterials
	case errors.Is(err, ErrSlotOccupied):
		return protocol.ResultSlotOccupied
	case errors.Is(err, ErrOutOfStock):
		return protocol.ResultOutOfStock
	case errors.Is(err, ErrTradeBusy):
		return protocol.ResultBusy
	}
	return protocol.ResultInvalid
}

// Journal records operator-visible economy actions.
type Journal interface {
	Log(peerID uint32, action string, entityID uint64, delta int64)
}

// Outbox delivers inventory messages.
type Outbox interface {
	Send(peerID uint32, msg protocol.Message) error
	Broadcast(msg protocol.Message)
	BroadcastPhase(phaseID uint32, msg protocol.Message)
}

// Option customises a Store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJournal records crafts, attachments and rerolls.
func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

// Store is the authoritative item registry.
type Store struct {
	mu      sync.Mutex
	out     Outbox
	logger  *logging.Logger
	journal Journal
	ledger  *Ledger
	nextID  uint64
	items   map[uint64]*protocol.ItemSnap
	escrow  map[uint64]uint64
}

// NewStore constructs an empty registry. Rerolls are paid through ledger.
func NewStore(out Outbox, ledger *Ledger, opts ...Option) *Store {
	s := &Store{
		out:    out,
		logger: logging.L(),
		ledger: ledger,
		items:  make(map[uint64]*protocol.ItemSnap),
		escrow: make(map[uint64]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.ledger == nil {
		s.ledger = NewLedger()
	}
	return s
}

// Ledger exposes the wallet service the store pays through.
func (s *Store) Ledger() *Ledger { return s.ledger }

func (s *Store) send(peerID uint32, msg protocol.Message) {
	if s.out == nil {
		return
	}
	if err := s.out.Send(peerID, msg); err != nil {
		s.logger.Debug("inventory send failed", logging.Uint32("peer_id", peerID), logging.Error(err))
	}
}

func (s *Store) broadcastItems(items []protocol.ItemSnap) {
	if s.out == nil {
		return
	}
	for _, it := range items {
		s.out.Broadcast(&protocol.ItemSnapMsg{Item: it})
	}
}

func (s *Store) record(peerID uint32, action string, entityID uint64, delta int64) {
	if s.journal != nil {
		s.journal.Log(peerID, action, entityID, delta)
	}
}

func (s *Store) createLocked(tpl, level, quality uint16, ownerID uint32) protocol.ItemSnap {
	s.nextID++
	it := &protocol.ItemSnap{ItemID: s.nextID, OwnerID: ownerID, Tpl: tpl, Level: level, Quality: quality}
	s.items[it.ItemID] = it
	return *it
}

// Create mints an item for ownerID and broadcasts it.
func (s *Store) Create(tpl uint16, ownerID uint32) protocol.ItemSnap {
	s.mu.Lock()
	it := s.createLocked(tpl, 1, 1, ownerID)
	s.mu.Unlock()
	s.broadcastItems([]protocol.ItemSnap{it})
	return it
}

// Restore inserts a persisted item verbatim, keeping ids unique.
func (s *Store) Restore(it protocol.ItemSnap) error {
	if it.ItemID == 0 {
		return ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ItemID]; ok {
		return ErrInvalid
	}
	cp := it
	s.items[it.ItemID] = &cp
	if it.ItemID > s.nextID {
		s.nextID = it.ItemID
	}
	return nil
}

// Get returns a copy of one item.
func (s *Store) Get(itemID uint64) (protocol.ItemSnap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return protocol.ItemSnap{}, false
	}
	return *it, true
}

// Owned lists the items held by peerID sorted by id, escrowed items included.
func (s *Store) Owned(peerID uint32) []protocol.ItemSnap {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.ItemSnap
	for _, it := range s.items {
		if it.OwnerID == peerID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Escrowed reports whether the item is staged in a pending trade.
func (s *Store) Escrowed(itemID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.escrow[itemID]
	return ok
}

// Len returns the number of live items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) usableLocked(peerID uint32, itemID uint64) (*protocol.ItemSnap, error) {
	it, ok := s.items[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	if it.OwnerID != peerID {
		return nil, ErrNotOwner
	}
	if _, held := s.escrow[itemID]; held {
		return nil, ErrEscrowed
	}
	return it, nil
}

// consumeLocked removes an item. The returned record carries owner zero so
// clients drop it.
func (s *Store) consumeLocked(itemID uint64) protocol.ItemSnap {
	it := *s.items[itemID]
	delete(s.items, itemID)
	it.OwnerID = 0
	return it
}

// Craft consumes the recipe's materials from peerID and mints the result.
// The CraftResult is always sent to the requester.
func (s *Store) Craft(peerID, recipeID uint32) (protocol.ItemSnap, error) {
	it, changed, err := s.craft(peerID, recipeID)
	s.send(peerID, &protocol.CraftResult{Code: Code(err), Item: it})
	if err != nil {
		return protocol.ItemSnap{}, err
	}
	s.broadcastItems(changed)
	s.record(peerID, "craft", it.ItemID, 0)
	return it, nil
}

func (s *Store) craft(peerID, recipeID uint32) (protocol.ItemSnap, []protocol.ItemSnap, error) {
	recipe, ok := LookupRecipe(recipeID)
	if !ok {
		return protocol.ItemSnap{}, nil, ErrUnknownRecipe
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	//1.- Pick the lowest-id free items matching each material line.
	ids := make([]uint64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var picked []uint64
	for _, m := range recipe.Materials {
		need := m.Qty
		for _, id := range ids {
			if need == 0 {
				break
			}
			it := s.items[id]
			if it.OwnerID != peerID || it.Tpl != m.Tpl || it.SlotMask != 0 {
				continue
			}
			if _, held := s.escrow[id]; held {
				continue
			}
			picked = append(picked, id)
			need--
		}
		if need > 0 {
			return protocol.ItemSnap{}, nil, ErrInsufficientMaterials
		}
	}
	//2.- Consume and mint only after every line is satisfied.
	changed := make([]protocol.ItemSnap, 0, len(picked)+1)
	for _, id := range picked {
		changed = append(changed, s.consumeLocked(id))
	}
	it := s.createLocked(recipe.Tpl, recipe.Level, recipe.Quality, peerID)
	changed = append(changed, it)
	return it, changed, nil
}

// AttachMod moves modID into a free slot of itemID. Both must belong to peerID.
func (s *Store) AttachMod(peerID uint32, itemID uint64, slot uint8, modID uint64) (protocol.ItemSnap, error) {
	it, changed, err := s.attach(peerID, itemID, slot, modID)
	s.send(peerID, &protocol.AttachModResult{Code: Code(err), Item: it})
	if err != nil {
		return it, err
	}
	s.broadcastItems(changed)
	s.record(peerID, "attach", itemID, int64(modID))
	return it, nil
}

func (s *Store) attach(peerID uint32, itemID uint64, slot uint8, modID uint64) (protocol.ItemSnap, []protocol.ItemSnap, error) {
	if slot >= AttachSlots {
		return protocol.ItemSnap{}, nil, ErrSlotRange
	}
	if itemID == modID {
		return protocol.ItemSnap{}, nil, ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.usableLocked(peerID, itemID)
	if err != nil {
		return protocol.ItemSnap{}, nil, err
	}
	if it.SlotMask&(1<<slot) != 0 {
		return *it, nil, ErrSlotOccupied
	}
	if _, err := s.usableLocked(peerID, modID); err != nil {
		return *it, nil, err
	}
	mod := s.consumeLocked(modID)
	it.SlotMask |= 1 << slot
	it.Attachments[slot] = modID
	return *it, []protocol.ItemSnap{mod, *it}, nil
}

// Reroll re-rolls an item's stats for RerollCost. The nonce makes the payment
// and the roll idempotent: a replay returns the item unchanged.
func (s *Store) Reroll(peerID uint32, itemID, nonce uint64) (protocol.ItemSnap, error) {
	it, changed, err := s.reroll(peerID, itemID, nonce)
	s.send(peerID, &protocol.RerollResult{Code: Code(err), Item: it})
	if err != nil {
		return it, err
	}
	if changed {
		s.broadcastItems([]protocol.ItemSnap{it})
		s.record(peerID, "reroll", itemID, -RerollCost)
	}
	return it, nil
}

func (s *Store) reroll(peerID uint32, itemID, nonce uint64) (protocol.ItemSnap, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.usableLocked(peerID, itemID)
	if err != nil {
		return protocol.ItemSnap{}, false, err
	}
	_, replay, err := s.ledger.Transfer(peerID, -RerollCost, nonce)
	if err != nil {
		return *it, false, err
	}
	if replay {
		return *it, false, nil
	}
	//1.- Seed from item and nonce so a roll can be reproduced from the journal.
	rng := hash.NewRand(uint32(itemID) ^ uint32(nonce) ^ uint32(nonce>>32))
	for i := range it.Rolls {
		it.Rolls[i] = rng.Next()
	}
	return *it, true, nil
}

// Items copies every live item sorted by id for persistence.
func (s *Store) Items() []protocol.ItemSnap {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ItemSnap, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}
