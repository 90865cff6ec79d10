package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShort marks input smaller than the header and flags.
	ErrShort = errors.New("snapshot: buffer shorter than header")
	// ErrReservedBit marks a set bit with no schema entry.
	ErrReservedBit = errors.New("snapshot: reserved field bit set")
	// ErrKind marks a value written with a width the schema does not expect.
	ErrKind = errors.New("snapshot: value does not match schema kind")
	// ErrTruncated marks a payload that ends inside a field.
	ErrTruncated = errors.New("snapshot: payload truncated")
	// ErrTrailing marks bytes left after every set field was consumed.
	ErrTrailing = errors.New("snapshot: trailing payload bytes")
)

// Writer assembles one snapshot: Begin, any number of Put calls, then End.
type Writer struct {
	schema *Schema
	header Header
	fields *Fields
}

// NewWriter binds a writer to schema; nil selects DefaultSchema.
func NewWriter(schema *Schema) *Writer {
	if schema == nil {
		schema = DefaultSchema
	}
	return &Writer{schema: schema, fields: NewFields()}
}

// Begin resets the writer for a new snapshot.
func (w *Writer) Begin(h Header) {
	w.header = h
	w.fields = NewFields()
}

// Fields exposes the pending values so typed encoders can write into them.
func (w *Writer) Fields() *Fields { return w.fields }

// Put copies every value from src.
func (w *Writer) Put(src *Fields) {
	src.Flags.Each(func(bit int) {
		raw, _ := src.Raw(bit)
		w.fields.PutRaw(bit, raw)
	})
}

// End validates the pending values and returns {header, flags, values in bit order}.
func (w *Writer) End() ([]byte, error) {
	return Encode(w.header, w.fields, w.schema)
}

// Encode serialises fields under header.
func Encode(h Header, fields *Fields, schema *Schema) ([]byte, error) {
	if schema == nil {
		schema = DefaultSchema
	}
	if fields == nil {
		fields = NewFields()
	}
	out := make([]byte, HeaderSize+FlagsSize, HeaderSize+FlagsSize+fields.Size())
	putHeader(out, h, fields.Flags)
	var err error
	//1.- Concatenate values in ascending bit order; the reader relies on it.
	fields.Flags.Each(func(bit int) {
		if err != nil {
			return
		}
		raw, _ := fields.Raw(bit)
		kind := schema[bit]
		switch {
		case kind == KindNone:
			err = fmt.Errorf("%w: %d", ErrReservedBit, bit)
		case kind.Size() >= 0 && len(raw) != kind.Size():
			err = fmt.Errorf("%w: bit %d has %d bytes", ErrKind, bit, len(raw))
		case kind == KindBytes && (len(raw) < 2 || int(binary.LittleEndian.Uint16(raw))+2 != len(raw)):
			err = fmt.Errorf("%w: bit %d blob prefix", ErrKind, bit)
		default:
			out = append(out, raw...)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot is a decoded snapshot. Unset fields resolve through History.
type Snapshot struct {
	Header
	Fields *Fields
	Size   int
}

// Decode parses a snapshot produced by Encode. Untrusted input yields errors, never panics.
func Decode(data []byte, schema *Schema) (*Snapshot, error) {
	if schema == nil {
		schema = DefaultSchema
	}
	if len(data) < HeaderSize+FlagsSize {
		return nil, ErrShort
	}
	snap := &Snapshot{
		Header: Header{
			ID:     binary.LittleEndian.Uint32(data[0:]),
			BaseID: binary.LittleEndian.Uint32(data[4:]),
		},
		Fields: NewFields(),
		Size:   len(data),
	}
	var flags Flags
	for i := 0; i < 4; i++ {
		flags[i] = binary.LittleEndian.Uint32(data[HeaderSize+4*i:])
	}
	payload := data[HeaderSize+FlagsSize:]
	off := 0
	var err error
	//1.- Walk set bits in order, slicing each value by its schema width.
	flags.Each(func(bit int) {
		if err != nil {
			return
		}
		kind := schema[bit]
		size := kind.Size()
		switch {
		case kind == KindNone:
			err = fmt.Errorf("%w: %d", ErrReservedBit, bit)
			return
		case size < 0:
			if off+2 > len(payload) {
				err = ErrTruncated
				return
			}
			size = 2 + int(binary.LittleEndian.Uint16(payload[off:]))
		}
		if off+size > len(payload) {
			err = fmt.Errorf("%w: bit %d", ErrTruncated, bit)
			return
		}
		snap.Fields.PutRaw(bit, payload[off:off+size])
		off += size
	})
	if err != nil {
		return nil, err
	}
	if off != len(payload) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailing, len(payload)-off)
	}
	return snap, nil
}
