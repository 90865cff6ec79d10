package inventory

import (
	"errors"
	"testing"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/protocol/protocoltest"
)

type journalEntry struct {
	peerID   uint32
	action   string
	entityID uint64
	delta    int64
}

type memJournal struct{ entries []journalEntry }

func (j *memJournal) Log(peerID uint32, action string, entityID uint64, delta int64) {
	j.entries = append(j.entries, journalEntry{peerID, action, entityID, delta})
}

func (j *memJournal) count(action string) int {
	n := 0
	for _, e := range j.entries {
		if e.action == action {
			n++
		}
	}
	return n
}

func newStore(t *testing.T) (*Store, *protocoltest.Recorder, *memJournal) {
	t.Helper()
	rec := &protocoltest.Recorder{}
	j := &memJournal{}
	ledger := NewLedger(WithLedgerLogger(logging.NewTestLogger()), WithLedgerJournal(j))
	return NewStore(rec, ledger, WithLogger(logging.NewTestLogger()), WithJournal(j)), rec, j
}

func TestLedgerReplayIsNoop(t *testing.T) {
	l := NewLedger(WithLedgerLogger(logging.NewTestLogger()))
	l.SetBalance(1, 2000)

	bal, replay, err := l.Transfer(1, -500, 77)
	if err != nil || replay || bal != 1500 {
		t.Fatalf("expected balance 1500, got %d replay=%v err=%v", bal, replay, err)
	}
	bal, replay, err = l.Transfer(1, -500, 77)
	if err != nil || !replay || bal != 1500 {
		t.Fatalf("expected replay to report 1500 untouched, got %d replay=%v err=%v", bal, replay, err)
	}
	if l.Balance(1) != 1500 {
		t.Fatalf("expected a single debit, balance %d", l.Balance(1))
	}

	res := l.HandleTransfer(1, &protocol.TransferRequest{Delta: -500, Nonce: 77})
	if res.Code != protocol.ResultOK || res.Balance != 1500 || res.Nonce != 77 {
		t.Fatalf("unexpected replay response %+v", res)
	}
}

func TestLedgerRejectsOverdraftAndCap(t *testing.T) {
	l := NewLedger(WithLedgerLogger(logging.NewTestLogger()))
	l.SetBalance(1, 100)
	if _, _, err := l.Transfer(1, -101, 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected overdraft refused, got %v", err)
	}
	//1.- A refused nonce is not burned.
	if bal, replay, err := l.Transfer(1, -100, 1); err != nil || replay || bal != 0 {
		t.Fatalf("expected nonce reusable after refusal, got %d %v %v", bal, replay, err)
	}
	if _, _, err := l.Transfer(1, int64(MaxBalance)+1, 2); !errors.Is(err, ErrBalanceLimit) {
		t.Fatalf("expected balance cap, got %v", err)
	}
}

func TestLedgerForgetsOldestNonces(t *testing.T) {
	l := NewLedger(WithLedgerLogger(logging.NewTestLogger()))
	for i := 0; i <= MaxNoncesPerPeer; i++ {
		if _, _, err := l.Transfer(1, 1, uint64(i)); err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}
	if _, replay, _ := l.Transfer(1, 1, 0); replay {
		t.Fatalf("expected the oldest nonce evicted")
	}
	if _, replay, _ := l.Transfer(1, 1, uint64(MaxNoncesPerPeer)); !replay {
		t.Fatalf("expected a resident nonce to replay")
	}
}

func TestCraftConsumesMaterials(t *testing.T) {
	s, rec, j := newStore(t)
	s.Create(900, 1)
	s.Create(900, 1)
	s.Create(900, 2)

	it, err := s.Craft(1, 2001)
	if err != nil {
		t.Fatalf("craft: %v", err)
	}
	if it.Tpl != 310 || it.OwnerID != 1 {
		t.Fatalf("unexpected crafted item %+v", it)
	}
	owned := s.Owned(1)
	if len(owned) != 1 || owned[0].ItemID != it.ItemID {
		t.Fatalf("expected both scraps consumed, got %+v", owned)
	}
	if _, err := s.Craft(1, 2001); !errors.Is(err, ErrInsufficientMaterials) {
		t.Fatalf("expected missing materials, got %v", err)
	}
	last, ok := rec.Last(protocol.MsgCraftResult)
	if !ok || last.Msg.(*protocol.CraftResult).Code != protocol.ResultInsufficientMaterials {
		t.Fatalf("expected failure code in CraftResult")
	}
	if _, err := s.Craft(1, 9); !errors.Is(err, ErrUnknownRecipe) {
		t.Fatalf("expected unknown recipe, got %v", err)
	}
	if j.count("craft") != 1 {
		t.Fatalf("expected one journaled craft")
	}
}

func TestAttachModFillsSlotOnce(t *testing.T) {
	s, _, _ := newStore(t)
	gun := s.Create(410, 1)
	mod := s.Create(310, 1)
	other := s.Create(310, 1)
	foreign := s.Create(310, 2)

	it, err := s.AttachMod(1, gun.ItemID, 2, mod.ItemID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if it.SlotMask != 1<<2 || it.Attachments[2] != mod.ItemID {
		t.Fatalf("unexpected attachment state %+v", it)
	}
	if _, ok := s.Get(mod.ItemID); ok {
		t.Fatalf("expected the mod to leave the inventory")
	}
	if _, err := s.AttachMod(1, gun.ItemID, 2, other.ItemID); !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("expected occupied slot, got %v", err)
	}
	if _, err := s.AttachMod(1, gun.ItemID, 4, other.ItemID); !errors.Is(err, ErrSlotRange) {
		t.Fatalf("expected slot range error, got %v", err)
	}
	if _, err := s.AttachMod(1, gun.ItemID, 1, foreign.ItemID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected foreign mod refused, got %v", err)
	}
}

func TestRerollIsIdempotentPerNonce(t *testing.T) {
	s, _, _ := newStore(t)
	s.Ledger().SetBalance(1, 1000)
	gun := s.Create(410, 1)

	first, err := s.Reroll(1, gun.ItemID, 5)
	if err != nil {
		t.Fatalf("reroll: %v", err)
	}
	if first.Rolls == ([4]uint32{}) {
		t.Fatalf("expected rolls to change")
	}
	again, err := s.Reroll(1, gun.ItemID, 5)
	if err != nil || again.Rolls != first.Rolls {
		t.Fatalf("expected replay to keep the rolls, got %+v %v", again, err)
	}
	if bal := s.Ledger().Balance(1); bal != 1000-uint64(RerollCost) {
		t.Fatalf("expected one charge, balance %d", bal)
	}
}

func TestTradeCommitSwapsItemAndEddies(t *testing.T) {
	s, rec, _ := newStore(t)
	trades := NewTrades(s)
	const a, b = 1, 2
	s.Ledger().SetBalance(a, 200)
	s.Ledger().SetBalance(b, 5000)
	item := s.Create(410, a)

	if err := trades.Init(a, b); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := trades.Offer(a, []uint64{item.ItemID}, 0); err != nil {
		t.Fatalf("offer a: %v", err)
	}
	if !s.Escrowed(item.ItemID) {
		t.Fatalf("expected the offered item in escrow")
	}
	if err := trades.Offer(b, nil, 1000); err != nil {
		t.Fatalf("offer b: %v", err)
	}
	if done, err := trades.Accept(a, true); err != nil || done {
		t.Fatalf("expected one accept to wait, got %v %v", done, err)
	}
	done, err := trades.Accept(b, true)
	if err != nil || !done {
		t.Fatalf("expected commit, got %v %v", done, err)
	}

	got, _ := s.Get(item.ItemID)
	if got.OwnerID != b || s.Escrowed(item.ItemID) {
		t.Fatalf("expected item owned by B outside escrow, got %+v", got)
	}
	if s.Ledger().Balance(a) != 1200 || s.Ledger().Balance(b) != 4000 {
		t.Fatalf("unexpected balances a=%d b=%d", s.Ledger().Balance(a), s.Ledger().Balance(b))
	}
	fin, ok := rec.Last(protocol.MsgTradeFinalize)
	if !ok || !fin.Msg.(*protocol.TradeFinalize).OK || fin.Scope != protocoltest.ScopeAll {
		t.Fatalf("expected TradeFinalize{ok} broadcast, got %+v", fin)
	}
	if trades.Trading(a) || trades.Trading(b) {
		t.Fatalf("expected the trade closed")
	}
}

func TestTradeFailureLeavesItemsWithOrigin(t *testing.T) {
	s, rec, _ := newStore(t)
	trades := NewTrades(s)
	s.Ledger().SetBalance(2, 1000)
	item := s.Create(410, 1)

	if err := trades.Init(1, 2); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := trades.Offer(1, []uint64{item.ItemID}, 0); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := trades.Offer(2, nil, 1000); err != nil {
		t.Fatalf("offer: %v", err)
	}
	//1.- B spends the offered eddies before accepting.
	if _, _, err := s.Ledger().Transfer(2, -600, 9); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := trades.Accept(1, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := trades.Accept(2, true); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected finalize to fail on funds, got %v", err)
	}
	got, _ := s.Get(item.ItemID)
	if got.OwnerID != 1 || s.Escrowed(item.ItemID) {
		t.Fatalf("expected item back with its origin, got %+v", got)
	}
	fin, _ := rec.Last(protocol.MsgTradeFinalize)
	if fin.Msg.(*protocol.TradeFinalize).OK {
		t.Fatalf("expected TradeFinalize{ok=false}")
	}
}

func TestTradeOfferValidation(t *testing.T) {
	s, _, _ := newStore(t)
	trades := NewTrades(s)
	mine := s.Create(900, 1)
	theirs := s.Create(900, 3)
	if err := trades.Offer(1, nil, 0); !errors.Is(err, ErrNoTrade) {
		t.Fatalf("expected no trade, got %v", err)
	}
	if err := trades.Init(1, 2); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := trades.Init(2, 3); !errors.Is(err, ErrTradeBusy) {
		t.Fatalf("expected busy peer refused, got %v", err)
	}
	if err := trades.Offer(1, []uint64{theirs.ItemID}, 0); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected foreign item refused, got %v", err)
	}
	if err := trades.Offer(1, []uint64{mine.ItemID, mine.ItemID}, 0); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected duplicate refused, got %v", err)
	}
	many := make([]uint64, protocol.MaxTradeItems+1)
	if err := trades.Offer(1, many, 0); !errors.Is(err, ErrTooManyItems) {
		t.Fatalf("expected oversize offer refused, got %v", err)
	}
	if err := trades.Offer(1, []uint64{mine.ItemID}, 0); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := s.Craft(1, 2002); !errors.Is(err, ErrInsufficientMaterials) {
		t.Fatalf("expected escrowed material unusable, got %v", err)
	}
	if err := trades.Cancel(2); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s.Escrowed(mine.ItemID) {
		t.Fatalf("expected cancel to release escrow")
	}
}

func TestPriceModifiers(t *testing.T) {
	cases := []struct {
		base      uint32
		cred      uint16
		wholesale bool
		want      uint32
	}{
		{1000, 0, false, 1000},
		{1000, 20, false, 800},
		{1000, 50, true, 450},
		{1000, 60, false, 500},
		{1, 50, true, 1},
	}
	for _, tc := range cases {
		if got := Price(tc.base, tc.cred, tc.wholesale); got != tc.want {
			t.Fatalf("Price(%d,%d,%v) = %d, want %d", tc.base, tc.cred, tc.wholesale, got, tc.want)
		}
	}
}

type seeds struct{ rerolls int }

func (s *seeds) VendorSeed(phaseID, vendorID uint32) uint32  { return phaseID*31 + vendorID }
func (s *seeds) RerollVendor(phaseID, vendorID, seed uint32) { s.rerolls++ }

func TestPurchaseChargesOnceAndDecrementsStock(t *testing.T) {
	s, rec, j := newStore(t)
	src := &seeds{}
	m := NewMarket(s, src)
	s.Ledger().SetBalance(1, 10000)
	buyer := Buyer{PeerID: 1, PhaseID: 0, StreetCred: 20}

	before, err := m.Stock(1002, 0)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	res, err := m.Purchase(buyer, 1002, 410, 42)
	if err != nil || res.Code != protocol.ResultOK || res.ItemID == 0 {
		t.Fatalf("purchase: %+v %v", res, err)
	}
	if res.Balance != 10000-960 {
		t.Fatalf("expected cred-discounted price 960, balance %d", res.Balance)
	}
	after, _ := m.Stock(1002, 0)
	if after[0].Qty != before[0].Qty-1 {
		t.Fatalf("expected stock decremented")
	}
	replay, err := m.Purchase(buyer, 1002, 410, 42)
	if err != nil || replay.ItemID != res.ItemID || replay.Balance != res.Balance {
		t.Fatalf("expected replay to echo the first purchase, got %+v %v", replay, err)
	}
	if len(s.Owned(1)) != 1 || j.count("purchase") != 1 {
		t.Fatalf("expected exactly one item and one journal entry")
	}
	if rec.Count(protocol.MsgPurchaseResult) != 2 {
		t.Fatalf("expected a PurchaseResult per request")
	}

	poor := Buyer{PeerID: 2}
	if res, err := m.Purchase(poor, 1002, 320, 1); !errors.Is(err, ErrInsufficientFunds) || res.Code != protocol.ResultInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %+v %v", res, err)
	}
	if _, err := m.Purchase(buyer, 1002, 999, 43); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected unknown tpl out of stock, got %v", err)
	}
	if _, err := m.Purchase(buyer, 7, 410, 44); !errors.Is(err, ErrUnknownVendor) {
		t.Fatalf("expected unknown vendor, got %v", err)
	}
}

func TestMarketRestocksHourly(t *testing.T) {
	s, rec, _ := newStore(t)
	src := &seeds{}
	m := NewMarket(s, src)
	if _, err := m.Stock(1001, 3); err != nil {
		t.Fatalf("stock: %v", err)
	}
	m.Tick(RestockIntervalMs - 1)
	if src.rerolls != 0 {
		t.Fatalf("expected no restock before the hour")
	}
	m.Tick(1)
	if src.rerolls != 1 {
		t.Fatalf("expected one reroll, got %d", src.rerolls)
	}
	upd, ok := rec.Last(protocol.MsgVendorStock)
	if !ok || upd.PhaseID != 3 {
		t.Fatalf("expected restock broadcast to phase 3, got %+v", upd)
	}
}

func TestClientTransferCannotCredit(t *testing.T) {
	l := NewLedger(WithLedgerLogger(logging.NewTestLogger()))
	l.SetBalance(1, 300)
	res := l.HandleTransfer(1, &protocol.TransferRequest{Delta: 900_000_000, Nonce: 1})
	if res.Code != protocol.ResultInvalid || res.Balance != 300 {
		t.Fatalf("expected credit refused at 300, got %+v", res)
	}
	if l.Balance(1) != 300 {
		t.Fatalf("expected wallet untouched, got %d", l.Balance(1))
	}
	//1.- The refused nonce stays usable for a legitimate spend.
	res = l.HandleTransfer(1, &protocol.TransferRequest{Delta: -100, Nonce: 1})
	if res.Code != protocol.ResultOK || res.Balance != 200 {
		t.Fatalf("expected debit after refused credit, got %+v", res)
	}
}

func TestWalletParkedAcrossRejoin(t *testing.T) {
	l := NewLedger(WithLedgerLogger(logging.NewTestLogger()))
	l.SetBalance(1, 750)
	if bal := l.Park(1, "v"); bal != 750 {
		t.Fatalf("expected 750 parked, got %d", bal)
	}
	if l.Balance(1) != 0 {
		t.Fatal("expected departed wallet closed")
	}
	if bal := l.Open(5, "v"); bal != 750 {
		t.Fatalf("expected parked wallet reclaimed by the new session, got %d", bal)
	}
	if len(l.Parked()) != 0 {
		t.Fatalf("expected parked wallet consumed, got %v", l.Parked())
	}
	if bal := l.Park(6, ""); bal != 0 || len(l.Parked()) != 0 {
		t.Fatal("expected anonymous wallet forgotten")
	}
}

func TestSeededBalanceAppliesOnJoin(t *testing.T) {
	l := NewLedger(WithLedgerLogger(logging.NewTestLogger()))
	l.Seed(map[uint32]uint64{2: 4000, 3: MaxBalance + 10})
	if bal := l.Open(2, "jackie"); bal != 4000 {
		t.Fatalf("expected seeded 4000, got %d", bal)
	}
	if bal := l.Open(3, "river"); bal != MaxBalance {
		t.Fatalf("expected seeded balance capped, got %d", bal)
	}
	//1.- A parked wallet wins over the save.
	l.Seed(map[uint32]uint64{4: 10})
	l.LoadParked(map[string]uint64{"judy": 99})
	if bal := l.Open(4, "judy"); bal != 99 {
		t.Fatalf("expected parked wallet preferred, got %d", bal)
	}
	if bal := l.Open(7, "panam"); bal != 0 {
		t.Fatalf("expected empty wallet for a new player, got %d", bal)
	}
}
