package ghost

import "github.com/jabolina/tnlgo/internal/typedb"

// Record is one ghost array slot ("Ghost record data model").
// arrayIndex is its current position in the manager's three-region array
// and moves as the record transitions between dirty/idle/free; ghostIndex
// is the stable, wire-visible identity assigned once at allocation and
// never reused while the record is alive.
type Record struct {
	arrayIndex int
	ghostIndex int

	source Source

	updateMask      uint32
	updateSkipCount int

	notYetGhosted    bool
	ghosting         bool
	inScope          bool
	scopeLocalAlways bool
	killGhost        bool
	killingGhost     bool

	// refs holds every notify attachment still outstanding for this
	// record, oldest first, forming the ghost-ref chain as a plain
	// ordered slice rather than a hand-rolled linked list.
	refs []*ghostRef
}

// ghostRef ties one packed create/update/destroy of a record to the
// notify entry of the datagram that carried it.
type ghostRef struct {
	manager *Manager
	record  *Record

	bitsSent  uint32
	isCreate  bool
	isDestroy bool
}

func (g *ghostRef) Delivered() { g.manager.onDelivered(g) }
func (g *ghostRef) Lost()      { g.manager.onLost(g) }

// detachNewerBits removes ref from rec's chain and returns the OR of the
// bits every ref sent *after* it and still outstanding already covers
// (delivered refs have been detached from the chain by then, so they do
// not count) -- bits lost on an older ref that a
// newer one already resent don't need to be re-added to the dirty mask.
func detachNewerBits(rec *Record, ref *ghostRef) uint32 {
	idx := -1
	for i, r := range rec.refs {
		if r == ref {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0
	}
	var newer uint32
	for i := idx + 1; i < len(rec.refs); i++ {
		newer |= rec.refs[i].bitsSent
	}
	rec.refs = append(rec.refs[:idx], rec.refs[idx+1:]...)
	return newer
}

// remoteGhost is the receive side's bookkeeping for one decoded ghost:
// the mirror object plus the descriptor it was created from, so later
// updates know how many mask bits to read.
type remoteGhost struct {
	desc *typedb.Descriptor
	obj  GhostedObject
}
