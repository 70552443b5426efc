package ghost

import (
	"fmt"

	"github.com/jabolina/tnlgo/internal/bitstream"
	"github.com/jabolina/tnlgo/internal/typedb"
)

// ReadUpdates decodes the ghost section WriteUpdates produced: creates
// allocate a mirror via the type's registered factory and call
// OnGhostAdd, updates apply the decoded mask and call OnGhostUpdate,
// destroys call OnGhostRemove and forget the mirror.
func (m *Manager) ReadUpdates(conn interface{}, r *bitstream.Reader) error {
	present, err := r.ReadBool()
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	widthMinus3, err := r.ReadUnsigned(ghostIndexWidthField)
	if err != nil {
		return err
	}
	ghostIndexBits := int(widthMinus3) + 3

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		more, err := r.ReadBool()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}

		idxVal, err := r.ReadUnsigned(ghostIndexBits)
		if err != nil {
			return err
		}
		idx := int(idxVal)

		destroy, err := r.ReadBool()
		if err != nil {
			return err
		}
		if destroy {
			if rg, ok := m.remote[idx]; ok {
				rg.obj.OnGhostRemove()
				delete(m.remote, idx)
			}
			continue
		}

		create, err := r.ReadBool()
		if err != nil {
			return err
		}

		rg, known := m.remote[idx]
		if !known {
			if !create {
				return fmt.Errorf("%w: update for unknown ghost index %d", ErrProtocolError, idx)
			}
			handleVal, err := r.ReadUnsigned(16)
			if err != nil {
				return err
			}
			handle := typedb.Handle(handleVal)
			desc := m.db.Find(handle)
			if desc == nil {
				return fmt.Errorf("%w: unregistered type handle %d", ErrProtocolError, handle)
			}
			factory, ok := m.mirrorFactories[handle]
			if !ok {
				return fmt.Errorf("%w: no mirror factory for type handle %d", ErrProtocolError, handle)
			}
			obj := factory()
			if err := typedb.ReadObject(r, desc, obj, allMask(desc), true); err != nil {
				return err
			}
			if !obj.OnGhostAdd(conn) {
				return fmt.Errorf("%w: ghost index %d", ErrGhostAddFailed, idx)
			}
			m.remote[idx] = &remoteGhost{desc: desc, obj: obj}
			continue
		}

		maskVal, err := r.ReadUnsigned(maskWidth(rg.desc))
		if err != nil {
			return err
		}
		if err := typedb.ReadObject(r, rg.desc, rg.obj, maskVal, false); err != nil {
			return err
		}
		rg.obj.OnGhostUpdate(maskVal)
	}
}
