package protocol

import (
	"bytes"
	"errors"
	"testing"

	"cp2077coop/server/internal/physics"
)

func TestWelcomeLayoutIsPacked(t *testing.T) {
	welcome := &Welcome{PeerID: 1, WorldSeed: 42, TickMs: 32, World: WorldState{SunDeg: 180, Weather: 0, ParticleSeed: 7}}
	welcome.Nonce[0] = 0xAB
	payload, err := Marshal(welcome)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	//1.- 4 peer id + 32 nonce + 4 seed + 2 tick + 5 world state.
	if len(payload) != 47 {
		t.Fatalf("expected 47 packed bytes, got %d", len(payload))
	}
	if payload[0] != 1 || payload[4] != 0xAB {
		t.Fatalf("unexpected little-endian layout % x", payload[:8])
	}
	decoded, err := Unmarshal(MsgWelcome, payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := decoded.(*Welcome)
	if got.PeerID != 1 || got.WorldSeed != 42 || got.TickMs != 32 || got.World.SunDeg != 180 || got.World.ParticleSeed != 7 {
		t.Fatalf("unexpected welcome %+v", got)
	}
}

func TestItemSnapPaddingIsZero(t *testing.T) {
	msg := &ItemSnapMsg{Item: ItemSnap{ItemID: 9, SlotMask: 0xFF, Attachments: [4]uint64{1, 2, 3, 4}}}
	payload, err := Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	//1.- ItemID 8 + owner 4 + tpl/level/quality 6 + rolls 16 + slot mask 1 = offset of padding.
	pad := payload[35:38]
	if !bytes.Equal(pad, []byte{0, 0, 0}) {
		t.Fatalf("expected zero padding, got % x", pad)
	}
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	if _, err := Unmarshal(MsgType(9999), nil); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	if _, err := Unmarshal(MsgPing, []byte{1, 2, 3}); !errors.Is(err, ErrSize) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	if _, err := Unmarshal(MsgChat, []byte{1, 0, 0, 0, 10, 0, 'h'}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncation, got %v", err)
	}
	var b Buffer
	b.U32(1)
	b.U16(0)
	b.Bytes16(make([]byte, MaxVoiceBytes+1))
	if _, err := Unmarshal(MsgVoice, b.Bytes()); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected oversize voice to fail, got %v", err)
	}
}

func TestVariableMessagesRoundTrip(t *testing.T) {
	cases := []Message{
		&Chat{PeerID: 3, Text: "hello choom"},
		&QuestFullSync{Entries: []QuestEntry{{NameHash: 0xDEADBEEF, Stage: 5}, {NameHash: 7, Stage: 1}}},
		&TradeOffer{FromPeer: 2, Items: []uint64{10, 11}, Eddies: 1000},
		&Voice{PeerID: 4, Seq: 17, Data: []byte{1, 2, 3}},
		&AssetChunk{AssetID: 5, Index: 2, Offset: 1024, Size: 65536, CompressedSize: 4000, Hash: 99, Compression: 2, Data: []byte("chunk")},
		&SaveCompletion{OK: false, Reason: "timeout"},
	}
	for _, msg := range cases {
		payload, err := Marshal(msg)
		if err != nil {
			t.Fatalf("marshal %s: %v", msg.Type(), err)
		}
		decoded, err := Unmarshal(msg.Type(), payload)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", msg.Type(), err)
		}
		again, err := Marshal(decoded)
		if err != nil {
			t.Fatalf("re-marshal %s: %v", msg.Type(), err)
		}
		if !bytes.Equal(payload, again) {
			t.Fatalf("%s did not round trip", msg.Type())
		}
	}
}

func TestQuestFullSyncCapsEntries(t *testing.T) {
	entries := make([]QuestEntry, 40)
	payload, err := Marshal(&QuestFullSync{Entries: entries})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(MsgQuestFullSync, payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n := len(decoded.(*QuestFullSync).Entries); n != MaxQuestEntries {
		t.Fatalf("expected %d entries, got %d", MaxQuestEntries, n)
	}
}

func TestFixedVehicleMessage(t *testing.T) {
	msg := &EjectOccupant{PeerID: 8, LaunchVel: physics.Vec3{X: 1, Y: 2, Z: 3}}
	payload, err := Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(MsgEjectOccupant, payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *decoded.(*EjectOccupant) != *msg {
		t.Fatalf("unexpected decode %+v", decoded)
	}
}

func TestChannelClassification(t *testing.T) {
	if !MsgSnapshot.Unreliable() || !MsgVoice.Unreliable() {
		t.Fatal("expected snapshots and voice to be unreliable")
	}
	if MsgTradeFinalize.Unreliable() || MsgQuestFullSync.Unreliable() {
		t.Fatal("expected trade and quest sync to be reliable")
	}
	if !MsgHello.Plaintext() || MsgChat.Plaintext() {
		t.Fatal("unexpected plaintext classification")
	}
	if MsgVehicleExplode.String() != "VehicleExplode" || !MsgVehicleExplode.Known() {
		t.Fatal("expected registered vehicle explode")
	}
	if ResultInsufficientFunds.String() != "insufficient_funds" {
		t.Fatalf("unexpected result name %s", ResultInsufficientFunds)
	}
}
