package inventory

import (
	"sort"
	"sync"

	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// RestockIntervalMs is the simulated time between vendor restocks.
	RestockIntervalMs = 3_600_000
	// WholesaleDiscountPct is the price kept by the Wholesale perk.
	WholesaleDiscountPct = 90
	// MaxCredDiscount is the street cred level with the deepest discount.
	MaxCredDiscount = 50
)

// Buyer carries the purchaser attributes that shape vendor prices.
type Buyer struct {
	PeerID     uint32
	PhaseID    uint32
	StreetCred uint16
	Wholesale  bool
}

// Price applies the street cred and perk modifiers to base, never below one.
func Price(base uint32, streetCred uint16, wholesale bool) uint32 {
	price := int64(base)
	if streetCred > MaxCredDiscount {
		streetCred = MaxCredDiscount
	}
	price = price * int64(100-streetCred) / 100
	if wholesale {
		price = price * WholesaleDiscountPct / 100
	}
	if price < 1 {
		price = 1
	}
	return uint32(price)
}

// SeedSource hands out the per-phase vendor seeds.
type SeedSource interface {
	VendorSeed(phaseID, vendorID uint32) uint32
	RerollVendor(phaseID, vendorID, seed uint32)
}

type stockKey struct {
	vendorID uint32
	phaseID  uint32
}

type stock struct {
	seed    uint32
	entries []protocol.VendorEntry
}

type purchase struct {
	vendorID uint32
	itemID   uint64
}

// Market holds vendor stock per vendor and phase and sells through the ledger.
type Market struct {
	mu        sync.Mutex
	store     *Store
	seeds     SeedSource
	logger    *logging.Logger
	stocks    map[stockKey]*stock
	purchases map[nonceKey]purchase
	elapsedMs uint64
}

// NewMarket binds vendors to the item store. A nil seeds derives stock from the vendor id.
func NewMarket(store *Store, seeds SeedSource) *Market {
	return &Market{
		store:     store,
		seeds:     seeds,
		logger:    store.logger.Named("vendor"),
		stocks:    make(map[stockKey]*stock),
		purchases: make(map[nonceKey]purchase),
	}
}

func rollStock(v Vendor, seed uint32) []protocol.VendorEntry {
	rng := hash.NewRand(seed)
	entries := make([]protocol.VendorEntry, 0, len(v.Entries))
	for _, e := range v.Entries {
		qty := e.MinQty + uint16(rng.Intn(int(e.MaxQty-e.MinQty)+1))
		entries = append(entries, protocol.VendorEntry{Tpl: e.Tpl, Qty: qty, Price: e.Price})
	}
	if len(entries) > protocol.MaxVendorEntries {
		entries = entries[:protocol.MaxVendorEntries]
	}
	return entries
}

func (m *Market) stockLocked(vendorID, phaseID uint32) (*stock, error) {
	key := stockKey{vendorID, phaseID}
	if st, ok := m.stocks[key]; ok {
		return st, nil
	}
	v, ok := LookupVendor(vendorID)
	if !ok {
		return nil, ErrUnknownVendor
	}
	seed := vendorID
	if m.seeds != nil {
		seed = m.seeds.VendorSeed(phaseID, vendorID)
	}
	st := &stock{seed: seed, entries: rollStock(v, seed)}
	m.stocks[key] = st
	return st, nil
}

// Stock returns the current listing of vendorID inside phaseID.
func (m *Market) Stock(vendorID, phaseID uint32) ([]protocol.VendorEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.stockLocked(vendorID, phaseID)
	if err != nil {
		return nil, err
	}
	return append([]protocol.VendorEntry(nil), st.entries...), nil
}

// SendStock answers a VendorStockRequest.
func (m *Market) SendStock(peerID, vendorID, phaseID uint32) error {
	entries, err := m.Stock(vendorID, phaseID)
	if err != nil {
		return err
	}
	m.store.send(peerID, &protocol.VendorStock{VendorID: vendorID, PhaseID: phaseID, Entries: entries})
	return nil
}

// Purchase sells one tpl to the buyer. The nonce makes the payment idempotent;
// a replay answers with the item bought the first time.
func (m *Market) Purchase(b Buyer, vendorID uint32, tpl uint16, nonce uint64) (*protocol.PurchaseResult, error) {
	res, item, changed, price, err := m.purchase(b, vendorID, tpl, nonce)
	m.store.send(b.PeerID, res)
	if err != nil {
		return res, err
	}
	if item.ItemID != 0 {
		m.store.broadcastItems([]protocol.ItemSnap{item})
		m.store.record(b.PeerID, "purchase", item.ItemID, -int64(price))
	}
	if changed != nil && m.store.out != nil {
		m.store.out.BroadcastPhase(b.PhaseID, changed)
	}
	return res, nil
}

func (m *Market) purchase(b Buyer, vendorID uint32, tpl uint16, nonce uint64) (*protocol.PurchaseResult, protocol.ItemSnap, *protocol.VendorStock, uint32, error) {
	res := &protocol.PurchaseResult{VendorID: vendorID}
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := m.store.ledger
	//1.- A replayed nonce reports the original purchase without charging again.
	key := nonceKey{b.PeerID, nonce}
	if prev, ok := m.purchases[key]; ok {
		res.VendorID, res.ItemID, res.Balance = prev.vendorID, prev.itemID, ledger.Balance(b.PeerID)
		return res, protocol.ItemSnap{}, nil, 0, nil
	}
	st, err := m.stockLocked(vendorID, b.PhaseID)
	if err != nil {
		res.Code, res.Balance = Code(err), ledger.Balance(b.PeerID)
		return res, protocol.ItemSnap{}, nil, 0, err
	}
	idx := -1
	for i, e := range st.entries {
		if e.Tpl == tpl {
			idx = i
			break
		}
	}
	if idx < 0 || st.entries[idx].Qty == 0 {
		res.Code, res.Balance = protocol.ResultOutOfStock, ledger.Balance(b.PeerID)
		return res, protocol.ItemSnap{}, nil, 0, ErrOutOfStock
	}
	//2.- Charge through the ledger, then mint and decrement stock.
	price := Price(st.entries[idx].Price, b.StreetCred, b.Wholesale)
	bal, replay, err := ledger.Transfer(b.PeerID, -int64(price), nonce)
	res.Balance = bal
	if err == nil && replay {
		err = ErrInvalid
	}
	if err != nil {
		res.Code = Code(err)
		return res, protocol.ItemSnap{}, nil, 0, err
	}
	m.store.mu.Lock()
	item := m.store.createLocked(tpl, 1, 1, b.PeerID)
	m.store.mu.Unlock()
	st.entries[idx].Qty--
	m.purchases[key] = purchase{vendorID: vendorID, itemID: item.ItemID}
	res.ItemID = item.ItemID
	changed := &protocol.VendorStock{VendorID: vendorID, PhaseID: b.PhaseID, Entries: append([]protocol.VendorEntry(nil), st.entries...)}
	return res, item, changed, price, nil
}

// Tick restocks every listed vendor once per RestockIntervalMs with a fresh seed.
func (m *Market) Tick(dtMs uint32) {
	m.mu.Lock()
	m.elapsedMs += uint64(dtMs)
	if m.elapsedMs < RestockIntervalMs {
		m.mu.Unlock()
		return
	}
	m.elapsedMs = 0
	keys := make([]stockKey, 0, len(m.stocks))
	for k := range m.stocks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].vendorID != keys[j].vendorID {
			return keys[i].vendorID < keys[j].vendorID
		}
		return keys[i].phaseID < keys[j].phaseID
	})
	var updates []*protocol.VendorStock
	for _, k := range keys {
		st := m.stocks[k]
		v, ok := LookupVendor(k.vendorID)
		if !ok {
			continue
		}
		st.seed = hash.Step(st.seed)
		if m.seeds != nil {
			m.seeds.RerollVendor(k.phaseID, k.vendorID, st.seed)
		}
		st.entries = rollStock(v, st.seed)
		updates = append(updates, &protocol.VendorStock{VendorID: k.vendorID, PhaseID: k.phaseID, Entries: append([]protocol.VendorEntry(nil), st.entries...)})
	}
	m.mu.Unlock()
	m.logger.Info("vendors restocked", logging.Int("listings", len(updates)))
	if m.store.out == nil {
		return
	}
	for _, u := range updates {
		m.store.out.BroadcastPhase(u.PhaseID, u)
	}
}

// ForgetPhase drops the listings of a collected phase.
func (m *Market) ForgetPhase(phaseID uint32) {
	m.mu.Lock()
	for k := range m.stocks {
		if k.phaseID == phaseID {
			delete(m.stocks, k)
		}
	}
	m.mu.Unlock()
}
