// Package typedb implements the type database:
// every replicated or transmitted type is registered as an ordered field
// list, with per-field read/write/compare functions and a state-bit index
// identifying which dirty-mask bit the field belongs to.
package typedb

import (
	"fmt"
	"sync"

	"github.com/jabolina/tnlgo/internal/bitstream"
)

// MaxStateBits is the maximum number of replicated fields a single type
// chain may declare.
const MaxStateBits = 32

// Handle identifies a registered type on the wire: the class index a
// Descriptor is registered under.
type Handle uint32

// FieldWriter writes a field's wire representation for obj into w.
type FieldWriter func(obj interface{}, w *bitstream.Writer)

// FieldReader reads a field's wire representation from r into obj.
type FieldReader func(obj interface{}, r *bitstream.Reader) error

// FieldComparer reports whether a field differs between two objects of
// the same type. Used by DirtyMask to auto-compute a dirty mask instead
// of requiring the caller to track it by hand.
type FieldComparer func(a, b interface{}) bool

// Field describes one declared attribute of a replicated type.
type Field struct {
	Name     string
	StateBit uint8 // 0..31, identifies the dirty-mask bit
	Initial  bool  // only ever transmitted with the ghost create, not updates
	Write    FieldWriter
	Read     FieldReader
	Compare  FieldComparer
}

// Descriptor is an ordered field list for one type. Parent composes
// field lists and state-bit allocation across an inheritance chain
// (see DESIGN.md for why this replaces the original's deep C++
// inheritance with plain composition).
type Descriptor struct {
	Handle Handle
	Name   string
	Parent *Descriptor
	fields []Field
}

// NewDescriptor declares a type with the given fields, inheriting parent's
// field list if parent is non-nil.
func NewDescriptor(handle Handle, name string, parent *Descriptor, fields ...Field) *Descriptor {
	return &Descriptor{Handle: handle, Name: name, Parent: parent, fields: fields}
}

// Fields returns the full field list, parent fields first, in the order
// callers should enumerate state bits.
func (d *Descriptor) Fields() []Field {
	if d.Parent == nil {
		return d.fields
	}
	return append(append([]Field{}, d.Parent.Fields()...), d.fields...)
}

// Database is the process-wide registry of type descriptors. It is
// written only during initialization and is read-only once the driver
// loop starts, so reads take only a read lock and no caller needs its
// own synchronization around Find.
type Database struct {
	mu   sync.RWMutex
	byID map[Handle]*Descriptor
}

// NewDatabase creates an empty type database.
func NewDatabase() *Database {
	return &Database{byID: make(map[Handle]*Descriptor)}
}

// Register adds desc to the database. It is idempotent: registering the
// exact same descriptor value twice is a no-op. It fails if two fields in
// desc's type chain share a state bit, or if the chain declares more
// than MaxStateBits fields.
func (db *Database) Register(desc *Descriptor) error {
	seen := make(map[uint8]bool)
	for _, f := range desc.Fields() {
		if seen[f.StateBit] {
			return fmt.Errorf("typedb: type %q has two fields sharing state bit %d", desc.Name, f.StateBit)
		}
		seen[f.StateBit] = true
	}
	if len(seen) > MaxStateBits {
		return fmt.Errorf("typedb: type %q declares %d fields, max is %d", desc.Name, len(seen), MaxStateBits)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if existing, ok := db.byID[desc.Handle]; ok {
		if existing == desc {
			return nil
		}
		return fmt.Errorf("typedb: handle %d already registered to type %q", desc.Handle, existing.Name)
	}
	db.byID[desc.Handle] = desc
	return nil
}

// Find returns the descriptor for handle, or nil if unknown.
func (db *Database) Find(handle Handle) *Descriptor {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.byID[handle]
}

// WriteObject writes every field of desc whose state bit is set in mask.
// Fields marked Initial are written only when initial is true. It
// returns the residual mask: bits that were requested but not written
// because capacityBits ran out before minPaddingBits of slack remained.
// Pass capacityBits <= 0 to disable the padding check (used by the
// event channel and by ghost creates, which always write the complete
// initial set).
func WriteObject(w *bitstream.Writer, desc *Descriptor, obj interface{}, mask uint32, initial bool, capacityBits, minPaddingBits int) uint32 {
	residual := mask
	for _, f := range desc.Fields() {
		bit := uint32(1) << f.StateBit
		if mask&bit == 0 {
			continue
		}
		if f.Initial && !initial {
			residual &^= bit
			continue
		}
		if capacityBits > 0 {
			start := w.BitPosition()
			if capacityBits-start < minPaddingBits {
				break
			}
			f.Write(obj, w)
			if capacityBits-w.BitPosition() < minPaddingBits {
				w.SetBitPosition(start)
				break
			}
		} else {
			f.Write(obj, w)
		}
		residual &^= bit
	}
	return residual
}

// ReadObject is the inverse of WriteObject: it must consume exactly the
// bits WriteObject produced for the same mask and initial flag.
func ReadObject(r *bitstream.Reader, desc *Descriptor, obj interface{}, mask uint32, initial bool) error {
	for _, f := range desc.Fields() {
		bit := uint32(1) << f.StateBit
		if mask&bit == 0 {
			continue
		}
		if f.Initial && !initial {
			continue
		}
		if err := f.Read(obj, r); err != nil {
			return fmt.Errorf("typedb: read field %q: %w", f.Name, err)
		}
	}
	return nil
}

// DirtyMask computes the state-bit mask of fields whose value differs
// between obj and snapshot, using each field's Compare function. This is
// a convenience for replicated objects that would rather diff against a
// retained snapshot than hand-maintain their dirty bitmask on every
// mutator.
func DirtyMask(desc *Descriptor, obj, snapshot interface{}) uint32 {
	var mask uint32
	for _, f := range desc.Fields() {
		if f.Compare != nil && f.Compare(obj, snapshot) {
			mask |= uint32(1) << f.StateBit
		}
	}
	return mask
}
