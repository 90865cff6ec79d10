package save

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"cp2077coop/server/internal/protocol"
)

const (
	fileMagic   uint32 = 0x504F4F43 // "COOP"
	fileVersion uint16 = 1
	headerSize         = 4 + 2 + 4 + 4
	playerSize         = 4 + 2 + 2 + 8 + 12 + 2
	maxFileBody        = 1 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// WorldState is the shared world portion of a save.
type WorldState struct {
	GameTimeMs uint64
	Weather    uint32
	Wanted     uint32
	Timestamp  uint64
}

// Data is one complete co-op save.
type Data struct {
	SessionID ulid.ULID
	Slot      uint32
	Timestamp uint64
	Version   uint32
	Checksum  uint32
	Players   []protocol.PlayerSaveState
	World     WorldState
}

// Sum folds the identifying fields of d into a checksum. The stored
// Checksum field is not part of the input.
func (d *Data) Sum() uint32 {
	var b protocol.Buffer
	b.Raw(d.SessionID[:])
	b.U32(d.Slot)
	b.U64(d.Timestamp)
	b.U32(d.Version)
	for _, p := range d.Players {
		b.U32(p.PeerID)
		b.U16(p.Level)
		b.U64(p.Eddies)
	}
	b.U64(d.World.GameTimeMs)
	b.U32(d.World.Weather)
	return crc32.Checksum(b.Bytes(), castagnoli)
}

func (d *Data) encode() []byte {
	var b protocol.Buffer
	b.Raw(d.SessionID[:])
	b.U32(d.Slot)
	b.U64(d.Timestamp)
	b.U32(d.Version)
	b.U32(d.Checksum)
	b.U64(d.World.GameTimeMs)
	b.U32(d.World.Weather)
	b.U32(d.World.Wanted)
	b.U64(d.World.Timestamp)
	b.U32(uint32(len(d.Players)))
	for _, p := range d.Players {
		b.U32(p.PeerID)
		b.U16(p.Level)
		b.U16(p.StreetCred)
		b.U64(p.Eddies)
		b.Vec3(p.Pos)
		b.U16(p.Health)
	}
	return b.Bytes()
}

func decode(body []byte) (Data, error) {
	var d Data
	c := protocol.NewCursor(body)
	copy(d.SessionID[:], c.Raw(len(d.SessionID)))
	d.Slot = c.U32()
	d.Timestamp = c.U64()
	d.Version = c.U32()
	d.Checksum = c.U32()
	d.World.GameTimeMs = c.U64()
	d.World.Weather = c.U32()
	d.World.Wanted = c.U32()
	d.World.Timestamp = c.U64()
	n := c.U32()
	if c.Err() == nil && int(n)*playerSize != c.Remaining() {
		return Data{}, fmt.Errorf("%w: %d players in %d bytes", ErrCorrupt, n, c.Remaining())
	}
	for i := uint32(0); i < n && c.Err() == nil; i++ {
		var p protocol.PlayerSaveState
		p.PeerID = c.U32()
		p.Level = c.U16()
		p.StreetCred = c.U16()
		p.Eddies = c.U64()
		p.Pos = c.Vec3()
		p.Health = c.U16()
		d.Players = append(d.Players, p)
	}
	if err := c.Finish(); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return d, nil
}

// SlotPath is the file of slot under dir.
func SlotPath(dir string, slot uint32) string {
	return filepath.Join(dir, fmt.Sprintf("coop_save_%d.dat", slot))
}

// Write stores d in its slot behind a {magic, version, length, crc} envelope.
func Write(dir string, d *Data) error {
	body := d.encode()
	out := make([]byte, headerSize, headerSize+len(body))
	binary.LittleEndian.PutUint32(out[0:], fileMagic)
	binary.LittleEndian.PutUint16(out[4:], fileVersion)
	binary.LittleEndian.PutUint32(out[6:], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[10:], crc32.Checksum(body, castagnoli))
	out = append(out, body...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create save dir: %w", err)
	}
	path := SlotPath(dir, d.Slot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write save: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Read loads a slot and verifies its envelope. Content validation is the
// caller's concern.
func Read(dir string, slot uint32) (Data, error) {
	raw, err := os.ReadFile(SlotPath(dir, slot))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Data{}, ErrNotFound
		}
		return Data{}, err
	}
	if len(raw) < headerSize {
		return Data{}, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(raw[0:]) != fileMagic {
		return Data{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(raw[4:]); v != fileVersion {
		return Data{}, fmt.Errorf("%w: version %d", ErrCorrupt, v)
	}
	length := binary.LittleEndian.Uint32(raw[6:])
	if length > maxFileBody || int(length) != len(raw)-headerSize {
		return Data{}, fmt.Errorf("%w: length %d", ErrCorrupt, length)
	}
	body := raw[headerSize:]
	if crc32.Checksum(body, castagnoli) != binary.LittleEndian.Uint32(raw[10:]) {
		return Data{}, fmt.Errorf("%w: crc", ErrCorrupt)
	}
	return decode(body)
}
