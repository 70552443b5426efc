package ghost

import (
	"sync"

	"github.com/jabolina/tnlgo/internal/netlog"
	"github.com/jabolina/tnlgo/internal/typedb"
)

// Manager is one connection's ghost-array state: a fixed-size slice
// partitioned into three contiguous regions --
//
//	[0, zeroUpdateIndex)     dirty:  updateMask != 0, or killGhost/killingGhost set
//	[zeroUpdateIndex, freeIndex) idle:   updateMask == 0, nothing to send
//	[freeIndex, maxGhosts)   free:   unused slots
//
// Transitions between regions are O(1) swaps that update the moved
// records' arrayIndex, never a full re-partition.
type Manager struct {
	mu sync.Mutex

	maxGhosts       int
	slots           []*Record
	zeroUpdateIndex int
	freeIndex       int

	ghostIndexFree     []int
	ghostIndexToRecord map[int]*Record
	bySource           map[ObjectID]*Record

	remote          map[int]*remoteGhost
	mirrorFactories map[typedb.Handle]func() GhostedObject

	scope         ScopeObject
	alwaysInScope map[ObjectID]Source

	db   *typedb.Database
	log  netlog.Logger
	conn interface{}

	ghosting         bool
	sessionID        uint32
	pendingSession   uint32
	scopeQueryPeriod int
	tickCount        int

	minPaddingBits int
}

// NewManager creates a Manager bounded to maxGhosts simultaneous ghosts,
// decoding/encoding via db. scopeQueryPeriod paces RunScopeQuery: a value
// of 1 runs it every tick, N>1 runs it every Nth tick to bound scope-query
// cost on large ghost sets. minPaddingBits is the safety margin the write
// phase leaves unfilled rather than splitting a ghost record across
// datagrams.
func NewManager(maxGhosts int, scopeQueryPeriod int, minPaddingBits int, db *typedb.Database, log netlog.Logger) *Manager {
	if scopeQueryPeriod <= 0 {
		scopeQueryPeriod = 1
	}
	if minPaddingBits <= 0 {
		minPaddingBits = 8
	}
	free := make([]int, maxGhosts)
	for i := range free {
		free[i] = maxGhosts - 1 - i // pop from the end gives ascending order
	}
	return &Manager{
		maxGhosts:          maxGhosts,
		slots:              make([]*Record, maxGhosts),
		ghostIndexFree:     free,
		ghostIndexToRecord: make(map[int]*Record),
		bySource:           make(map[ObjectID]*Record),
		remote:             make(map[int]*remoteGhost),
		mirrorFactories:    make(map[typedb.Handle]func() GhostedObject),
		alwaysInScope:      make(map[ObjectID]Source),
		db:                 db,
		log:                log,
		scopeQueryPeriod:   scopeQueryPeriod,
		minPaddingBits:     minPaddingBits,
	}
}

// SetConnection records the value passed to hooks that fire
// asynchronously from notify callbacks (OnGhostAvailable on delivery)
// rather than from a direct Read/WriteUpdates call.
func (m *Manager) SetConnection(conn interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
}

// SetScopeObject installs the per-connection scope object. A nil scope
// silently suppresses all ghosting on this connection.
func (m *Manager) SetScopeObject(scope ScopeObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scope = scope
}

// RegisterMirrorFactory associates a type handle with a constructor for
// the receive-side mirror object, used when a create arrives for a
// handle this connection has never seen before.
func (m *Manager) RegisterMirrorFactory(handle typedb.Handle, factory func() GhostedObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrorFactories[handle] = factory
}

// AlwaysInScope registers source to be forced into scope on every scope
// query regardless of what the scope object itself reports
// (ghost-always objects supplement).
func (m *Manager) AlwaysInScope(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alwaysInScope[source.ObjectID()] = source
}

// BeginActivation starts the activation handshake: it bumps the session
// id and returns it for the connection layer to send in a start-ghosting
// message. Ghosting does not actually begin until ConfirmActivation
// reports the client's matching ready reply.
func (m *Manager) BeginActivation() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID++
	m.pendingSession = m.sessionID
	m.ghosting = false
	return m.sessionID
}

// ConfirmActivation enables ghosting once sessionID matches the most
// recent BeginActivation call.
func (m *Manager) ConfirmActivation(sessionID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID != m.pendingSession {
		return false
	}
	m.ghosting = true
	return true
}

// Ghosting reports whether ghosting is currently active on this
// connection.
func (m *Manager) Ghosting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ghosting
}

// ResetGhosting tears down every record (source and remote side alike)
// without running the notify/destroy handshake -- used when a connection
// drops or an end-ghosting message arrives. It returns the
// bumped session id for the caller to send in its own end-ghosting
// message.
func (m *Manager) ResetGhosting() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessionID++
	m.ghosting = false
	for i := 0; i < m.freeIndex; i++ {
		rec := m.slots[i]
		delete(m.bySource, rec.source.ObjectID())
		delete(m.ghostIndexToRecord, rec.ghostIndex)
		m.ghostIndexFree = append(m.ghostIndexFree, rec.ghostIndex)
		m.slots[i] = nil
	}
	m.zeroUpdateIndex = 0
	m.freeIndex = 0
	for _, rg := range m.remote {
		rg.obj.OnGhostRemove()
	}
	m.remote = make(map[int]*remoteGhost)
	return m.sessionID
}

// allocateRecordLocked pops a free ghost index, installs a record for
// source at the end of the array, and immediately moves it into the
// dirty region (a brand-new record is always all-ones dirty, since the
// create has never been sent). Returns nil if the table is full.
func (m *Manager) allocateRecordLocked(source Source) *Record {
	if m.freeIndex >= m.maxGhosts || len(m.ghostIndexFree) == 0 {
		return nil
	}
	last := len(m.ghostIndexFree) - 1
	ghostIdx := m.ghostIndexFree[last]
	m.ghostIndexFree = m.ghostIndexFree[:last]

	rec := &Record{
		arrayIndex:    m.freeIndex,
		ghostIndex:    ghostIdx,
		source:        source,
		updateMask:    ^uint32(0),
		notYetGhosted: true,
	}
	m.slots[m.freeIndex] = rec
	m.freeIndex++
	m.ghostIndexToRecord[ghostIdx] = rec
	m.bySource[source.ObjectID()] = rec
	m.moveToDirtyLocked(rec)
	return rec
}

func (m *Manager) swapSlots(i, j int) {
	if i == j {
		return
	}
	m.slots[i], m.slots[j] = m.slots[j], m.slots[i]
	if m.slots[i] != nil {
		m.slots[i].arrayIndex = i
	}
	if m.slots[j] != nil {
		m.slots[j].arrayIndex = j
	}
}

// moveToDirtyLocked swaps rec into the dirty region if it currently sits
// in the idle region.
func (m *Manager) moveToDirtyLocked(rec *Record) {
	if rec.arrayIndex < m.zeroUpdateIndex {
		return
	}
	m.swapSlots(rec.arrayIndex, m.zeroUpdateIndex)
	m.zeroUpdateIndex++
}

// moveToIdleLocked swaps rec out of the dirty region into the idle
// region.
func (m *Manager) moveToIdleLocked(rec *Record) {
	if rec.arrayIndex >= m.zeroUpdateIndex {
		return
	}
	m.zeroUpdateIndex--
	m.swapSlots(rec.arrayIndex, m.zeroUpdateIndex)
}

// freeRecordLocked returns rec's slot to the free region and its ghost
// index to the free list. Called once a destroy is acknowledged
// delivered.
func (m *Manager) freeRecordLocked(rec *Record) {
	m.moveToIdleLocked(rec)
	m.freeIndex--
	m.swapSlots(rec.arrayIndex, m.freeIndex)
	m.slots[m.freeIndex] = nil
	delete(m.ghostIndexToRecord, rec.ghostIndex)
	delete(m.bySource, rec.source.ObjectID())
	m.ghostIndexFree = append(m.ghostIndexFree, rec.ghostIndex)
}

// MarkDirty re-dirties mask's bits on source's record, moving it back
// into the dirty region if it was idle. A source with no record yet (not
// currently in scope, or scope has never run) is a silent no-op: the next
// scope query that brings it into scope allocates it already all-dirty.
func (m *Manager) MarkDirty(id ObjectID, mask uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.bySource[id]
	if !ok || mask == 0 {
		return
	}
	rec.updateMask |= mask
	m.moveToDirtyLocked(rec)
}

// RunScopeQuery runs the scope object's query at most once every
// ScopeQueryPeriod ticks, clearing and re-marking in_scope for every
// object the scope object and the always-in-scope registrations report.
// A nil scope object is a silent no-op.
func (m *Manager) RunScopeQuery(conn interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickCount++
	if m.tickCount%m.scopeQueryPeriod != 0 {
		return
	}
	if m.scope == nil {
		return
	}

	for i := 0; i < m.zeroUpdateIndex; i++ {
		rec := m.slots[i]
		rec.updateSkipCount++
		if !rec.scopeLocalAlways {
			rec.inScope = false
		}
	}
	for i := m.zeroUpdateIndex; i < m.freeIndex; i++ {
		rec := m.slots[i]
		if !rec.scopeLocalAlways {
			rec.inScope = false
		}
	}

	m.scope.PerformScopeQuery(conn, func(obj Source) {
		m.markInScopeLocked(obj, false)
	})
	for _, src := range m.alwaysInScope {
		m.markInScopeLocked(src, true)
	}
}

func (m *Manager) markInScopeLocked(source Source, always bool) {
	if !source.Ghostable() {
		return
	}
	rec, ok := m.bySource[source.ObjectID()]
	if !ok {
		rec = m.allocateRecordLocked(source)
		if rec == nil {
			m.log.Warnf("ghost: table full, dropping object %d from scope", source.ObjectID())
			return
		}
	}
	rec.inScope = true
	if always {
		rec.scopeLocalAlways = true
	}
}
