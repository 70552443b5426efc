package ghost

import (
	"container/heap"
	"math"

	"github.com/jabolina/tnlgo/internal/bitstream"
	"github.com/jabolina/tnlgo/internal/notify"
	"github.com/jabolina/tnlgo/internal/typedb"
)

// ghostIndexWidthField is the wire width of the "value+3" encoding of
// the ghost index's bit width: a 3-bit field carries (actual_width - 3),
// so the ghost index field itself may be 3..10 bits wide.
const ghostIndexWidthField = 3

func ghostIndexWidth(maxGhosts int) int {
	bits := bitstream.RangedBits(0, int32(maxGhosts-1))
	if bits < 3 {
		bits = 3
	}
	if bits > 10 {
		bits = 10
	}
	return bits
}

type scoredRecord struct {
	rec   *Record
	score float64
}

// candidateHeap is a max-heap over scoredRecord.score, giving the write
// phase lazy descending-priority extraction instead of sorting the whole
// dirty region up front: packed into the datagram in descending
// priority order until space runs out.
type candidateHeap []scoredRecord

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].score > h[j].score }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(scoredRecord)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// WriteUpdates is the write phase: records that fell out
// of scope since the last RunScopeQuery are queued for destroy, every
// remaining dirty record is scored and packed in descending priority
// order, and each packed record's notify attachment is chained onto
// entry so a later packet_lost re-dirties exactly the bits that were
// lost and not already resent.
func (m *Manager) WriteUpdates(w *bitstream.Writer, maxBits int, entry *notify.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ghosting {
		w.WriteBool(false)
		return
	}

	// Records can fall out of scope while sitting idle (mask == 0), so
	// this scan covers both the dirty and idle regions. The out-of-scope
	// records are collected first and only then moved, since
	// moveToDirtyLocked reorders the very region this loop walks.
	var newlyOutOfScope []*Record
	for i := 0; i < m.freeIndex; i++ {
		rec := m.slots[i]
		if !rec.inScope && !rec.scopeLocalAlways && !rec.killGhost && !rec.killingGhost && !rec.ghosting {
			newlyOutOfScope = append(newlyOutOfScope, rec)
		}
	}
	for _, rec := range newlyOutOfScope {
		rec.killGhost = true
		rec.updateMask = ^uint32(0)
		m.moveToDirtyLocked(rec)
	}

	h := make(candidateHeap, 0, m.zeroUpdateIndex)
	for i := 0; i < m.zeroUpdateIndex; i++ {
		rec := m.slots[i]
		h = append(h, scoredRecord{rec, m.scoreLocked(rec)})
	}
	heap.Init(&h)

	w.WriteBool(true)
	ghostIndexBits := ghostIndexWidth(m.maxGhosts)
	w.WriteUnsigned(uint32(ghostIndexBits-ghostIndexWidthField), ghostIndexWidthField)

	for h.Len() > 0 {
		c := heap.Pop(&h).(scoredRecord)
		if c.score <= 0 {
			continue // in flight already (create/destroy outstanding); wait
		}
		before := w.BitPosition()
		m.packRecordLocked(w, maxBits, ghostIndexBits, entry, c.rec)
		if w.BitPosition() == before {
			break // this record did not fit; the datagram is full
		}
	}
	w.WriteBool(false)
}

func (m *Manager) scoreLocked(rec *Record) float64 {
	switch {
	case rec.killGhost:
		return math.MaxFloat64
	case rec.ghosting || rec.killingGhost:
		return 0
	default:
		return rec.source.GetUpdatePriority(m.scope, rec.updateMask, rec.updateSkipCount)
	}
}

func (m *Manager) packRecordLocked(w *bitstream.Writer, maxBits, ghostIndexBits int, entry *notify.Entry, rec *Record) {
	start := w.BitPosition()
	if maxBits-start < m.minPaddingBits+ghostIndexBits+2 {
		return
	}

	w.WriteBool(true)
	w.WriteUnsigned(uint32(rec.ghostIndex), ghostIndexBits)

	ref := &ghostRef{manager: m, record: rec}
	var written uint32

	switch {
	case rec.killGhost:
		w.WriteBool(true)
		ref.isDestroy = true
	case rec.notYetGhosted:
		w.WriteBool(false)
		w.WriteBool(true)
		desc := m.db.Find(rec.source.TypeHandle())
		w.WriteUnsigned(uint32(rec.source.TypeHandle()), 16)
		full := allMask(desc)
		typedb.WriteObject(w, desc, rec.source, full, true, 0, 0)
		ref.isCreate = true
		written = full
	default:
		w.WriteBool(false)
		w.WriteBool(false)
		desc := m.db.Find(rec.source.TypeHandle())
		maskStart := w.BitPosition()
		w.WriteUnsigned(rec.updateMask, maskWidth(desc))
		residual := typedb.WriteObject(w, desc, rec.source, rec.updateMask, false, maxBits, m.minPaddingBits)
		written = rec.updateMask &^ residual
		if written != rec.updateMask {
			// Only part of the mask fit: rewrite it as the bits actually
			// sent, so the reader consumes exactly the fields written.
			w.SetBitPosition(maskStart)
			w.WriteUnsigned(written, maskWidth(desc))
			typedb.WriteObject(w, desc, rec.source, written, false, 0, 0)
		}
	}

	if maxBits-w.BitPosition() < m.minPaddingBits && !rec.killGhost {
		w.SetBitPosition(start)
		return
	}

	ref.bitsSent = written
	rec.refs = append(rec.refs, ref)
	entry.Attach(ref)

	switch {
	case rec.killGhost:
		rec.killGhost = false
		rec.killingGhost = true
		rec.updateMask = 0
		m.moveToIdleLocked(rec)
	case rec.notYetGhosted:
		rec.notYetGhosted = false
		rec.ghosting = true
		// A create carries every field, so nothing is owed afterward.
		rec.updateMask = 0
		m.moveToIdleLocked(rec)
	default:
		rec.updateMask &^= written
		if rec.updateMask == 0 {
			m.moveToIdleLocked(rec)
		}
	}
}

func (m *Manager) onDelivered(ref *ghostRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := ref.record
	detachNewerBits(rec, ref)

	switch {
	case ref.isCreate:
		rec.ghosting = false
		rec.source.OnGhostAvailable(m.conn)
	case ref.isDestroy:
		rec.source.OnGhostRemove()
		m.freeRecordLocked(rec)
	}
}

func (m *Manager) onLost(ref *ghostRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := ref.record

	switch {
	case ref.isCreate:
		detachNewerBits(rec, ref)
		rec.ghosting = false
		rec.notYetGhosted = true
		rec.updateMask = ^uint32(0)
		m.moveToDirtyLocked(rec)
	case ref.isDestroy:
		detachNewerBits(rec, ref)
		rec.killingGhost = false
		rec.killGhost = true
		rec.updateMask = ^uint32(0)
		m.moveToDirtyLocked(rec)
	default:
		newer := detachNewerBits(rec, ref)
		lost := ref.bitsSent &^ newer
		if lost != 0 {
			rec.updateMask |= lost
			m.moveToDirtyLocked(rec)
		}
	}
}

func allMask(desc *typedb.Descriptor) uint32 {
	var m uint32
	for _, f := range desc.Fields() {
		m |= uint32(1) << f.StateBit
	}
	return m
}

func maskWidth(desc *typedb.Descriptor) int {
	n := len(desc.Fields())
	if n == 0 {
		return 0
	}
	return n
}
