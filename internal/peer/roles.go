package peer

import "sync"

// RoleManager tracks wolf membership. Promotion is permanent for the life of
// the manager; there is no demotion.
type RoleManager struct {
	reg     *Registry
	mu      sync.Mutex
	wolves  map[ID]struct{}
	pending map[ID]struct{}
}

func NewRoleManager(reg *Registry) *RoleManager {
	return &RoleManager{
		reg:     reg,
		wolves:  make(map[ID]struct{}),
		pending: make(map[ID]struct{}),
	}
}

// Promote marks a registered peer as wolf. promoted is false when the peer
// already was one.
func (m *RoleManager) Promote(id ID) (promoted bool, err error) {
	if _, ok := m.reg.Get(id); !ok {
		return false, ErrUnknownPeer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	if _, ok := m.wolves[id]; ok {
		return false, nil
	}
	if _, err := m.reg.SetRole(id, RoleWolf); err != nil {
		return false, err
	}
	m.wolves[id] = struct{}{}
	return true, nil
}

// Remember records a wolf announcement for a peer that is not registered
// yet. It is applied by Sync once the peer shows up.
func (m *RoleManager) Remember(id ID) {
	if id == "" {
		return
	}
	m.mu.Lock()
	if _, ok := m.wolves[id]; !ok {
		m.pending[id] = struct{}{}
	}
	m.mu.Unlock()
}

// Sync copies wolf membership onto a (re)registered record. It returns true
// only when a remembered announcement turned into a promotion.
func (m *RoleManager) Sync(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, wolf := m.wolves[id]
	_, pending := m.pending[id]
	if !wolf && !pending {
		return false
	}
	if _, err := m.reg.SetRole(id, RoleWolf); err != nil {
		return false
	}
	if pending {
		delete(m.pending, id)
		m.wolves[id] = struct{}{}
		return !wolf
	}
	return false
}

func (m *RoleManager) IsWolf(id ID) bool {
	m.mu.Lock()
	_, ok := m.wolves[id]
	m.mu.Unlock()
	return ok
}

func (m *RoleManager) Wolves() []ID {
	m.mu.Lock()
	out := make([]ID, 0, len(m.wolves))
	for id := range m.wolves {
		out = append(out, id)
	}
	m.mu.Unlock()
	SortIDs(out)
	return out
}
