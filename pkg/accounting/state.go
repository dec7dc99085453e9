package accounting

import (
	"math/big"
	"sort"
)

// ScopeState is the complete mutable accounting state of one scope. A batch loads it, mutates it in
// memory and hands it back to the store only after its events were delivered.
type ScopeState struct {
	Scope     Scope
	Balances  map[BalanceKey]*ActiveBalanceRecord
	Positions map[string]*PositionDetails
	Pools     map[string]*PoolState
	Process   ProcessState
	// Assets is registry metadata keyed by asset key. It is not persisted.
	Assets map[string]Asset

	dirtyBalances  map[BalanceKey]struct{}
	dirtyPositions map[string]struct{}
	dirtyPools     map[string]struct{}
}

// NewScopeState returns an empty, uninitialized state for scope.
func NewScopeState(scope Scope) *ScopeState {
	return &ScopeState{
		Scope:          scope,
		Balances:       make(map[BalanceKey]*ActiveBalanceRecord),
		Positions:      make(map[string]*PositionDetails),
		Pools:          make(map[string]*PoolState),
		Assets:         make(map[string]Asset),
		dirtyBalances:  make(map[BalanceKey]struct{}),
		dirtyPositions: make(map[string]struct{}),
		dirtyPools:     make(map[string]struct{}),
	}
}

// Balance returns the current balance for key, zero when unknown. The result must not be mutated.
func (s *ScopeState) Balance(key BalanceKey) *big.Int {
	if rec, ok := s.Balances[key]; ok && rec.Balance != nil {
		return rec.Balance
	}
	return new(big.Int)
}

// ActiveKeys returns the entities with a positive balance in deterministic order.
func (s *ScopeState) ActiveKeys() []BalanceKey {
	keys := make([]BalanceKey, 0, len(s.Balances))
	for k, rec := range s.Balances {
		if rec.Balance != nil && rec.Balance.Sign() > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Asset != keys[j].Asset {
			return keys[i].Asset < keys[j].Asset
		}
		return keys[i].User < keys[j].User
	})
	return keys
}

// ActivePositionIDs returns active positions with non-zero liquidity in deterministic order.
func (s *ScopeState) ActivePositionIDs() []string {
	ids := make([]string, 0, len(s.Positions))
	for id, p := range s.Positions {
		if p.IsActive && p.Liquidity != nil && p.Liquidity.Sign() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PositionsInPool returns every tracked position of poolID in deterministic order.
func (s *ScopeState) PositionsInPool(poolID string) []*PositionDetails {
	out := make([]*PositionDetails, 0)
	for _, p := range s.Positions {
		if p.PoolID == poolID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// RegisterAsset records asset metadata used when emitting windows.
func (s *ScopeState) RegisterAsset(a Asset) {
	if s.Assets == nil {
		s.Assets = make(map[string]Asset)
	}
	s.Assets[a.Key] = a
}

// SetPool registers or replaces pool metadata, keeping a known tick when the new value has none.
func (s *ScopeState) SetPool(p PoolState) {
	if old, ok := s.Pools[p.ID]; ok && old.TickKnown && !p.TickKnown {
		p.CurrentTick = old.CurrentTick
		p.TickKnown = true
	}
	s.Pools[p.ID] = &p
	s.dirtyPools[p.ID] = struct{}{}
}

func (s *ScopeState) touchBalance(k BalanceKey) { s.dirtyBalances[k] = struct{}{} }
func (s *ScopeState) touchPosition(id string) { s.dirtyPositions[id] = struct{}{} }
func (s *ScopeState) touchPool(id string) { s.dirtyPools[id] = struct{}{} }

// DirtyBalances lists balance keys mutated since load.
func (s *ScopeState) DirtyBalances() []BalanceKey {
	out := make([]BalanceKey, 0, len(s.dirtyBalances))
	for k := range s.dirtyBalances {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// DirtyPositions lists position ids mutated since load.
func (s *ScopeState) DirtyPositions() []string {
	out := make([]string, 0, len(s.dirtyPositions))
	for id := range s.dirtyPositions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DirtyPools lists pool ids mutated since load.
func (s *ScopeState) DirtyPools() []string {
	out := make([]string, 0, len(s.dirtyPools))
	for id := range s.dirtyPools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarkClean drops the dirty sets after a successful commit.
func (s *ScopeState) MarkClean() {
	clear(s.dirtyBalances)
	clear(s.dirtyPositions)
	clear(s.dirtyPools)
}

// Clone returns a deep copy. Dirty tracking is copied too.
func (s *ScopeState) Clone() *ScopeState {
	c := NewScopeState(s.Scope)
	c.Process = s.Process
	for k, a := range s.Assets {
		c.Assets[k] = a
	}
	for k, rec := range s.Balances {
		r := *rec
		r.Balance = cloneInt(rec.Balance)
		c.Balances[k] = &r
	}
	for id, p := range s.Positions {
		cp := *p
		cp.Liquidity = cloneInt(p.Liquidity)
		c.Positions[id] = &cp
	}
	for id, p := range s.Pools {
		cp := *p
		c.Pools[id] = &cp
	}
	for k := range s.dirtyBalances {
		c.dirtyBalances[k] = struct{}{}
	}
	for k := range s.dirtyPositions {
		c.dirtyPositions[k] = struct{}{}
	}
	for k := range s.dirtyPools {
		c.dirtyPools[k] = struct{}{}
	}
	return c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
