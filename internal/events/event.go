package events

import "time"

// Kind enumerates the authoritative actions surfaced to operators.
type Kind uint8

const (
	KindPeerJoined Kind = iota + 1
	KindPeerLeft
	KindAdmin
	KindChat
	KindTransfer
	KindPurchase
	KindCraft
	KindTrade
	KindVehicleDestroyed
	KindQuestResync
	KindCriticalVote
	KindSave
	KindArcadeHighScore
)

var kindNames = map[Kind]string{
	KindPeerJoined:       "peer_joined",
	KindPeerLeft:         "peer_left",
	KindAdmin:            "admin",
	KindChat:             "chat",
	KindTransfer:         "transfer",
	KindPurchase:         "purchase",
	KindCraft:            "craft",
	KindTrade:            "trade",
	KindVehicleDestroyed: "vehicle_destroyed",
	KindQuestResync:      "quest_resync",
	KindCriticalVote:     "critical_vote",
	KindSave:             "save",
	KindArcadeHighScore:  "arcade_high_score",
}

// String returns the key used by the journal and the dashboard feed.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one authoritative action. Sequence is assigned by the stream.
type Event struct {
	Sequence   uint64
	Kind       Kind
	Tick       uint64
	PeerID     uint32
	EntityID   uint64
	Delta      int64
	Detail     string
	OccurredAt time.Time
}

// ParseKind resolves a kind from its String form.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}
