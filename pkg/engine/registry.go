package engine

import (
	"errors"
	"fmt"
	"os"

	"github.com/canopy-network/twbx/pkg/accounting"
	"github.com/canopy-network/twbx/pkg/events"
	"gopkg.in/yaml.v3"
)

// ErrUnknownScope is returned for scope keys missing from the registry.
var ErrUnknownScope = errors.New("unknown scope")

// PoolConfig declares a concentrated-liquidity pool by its token asset keys.
type PoolConfig struct {
	ID     string `yaml:"id"`
	Token0 string `yaml:"token0"`
	Token1 string `yaml:"token1"`
	// InitialTick seeds the pool price until the first tick event is seen.
	InitialTick *int32 `yaml:"initialTick"`
}

// ScopeConfig describes one indexed scope.
type ScopeConfig struct {
	Key         string             `yaml:"key"`
	Protocol    string             `yaml:"protocol"`
	Chain       events.Chain       `yaml:"chain"`
	NativeAsset accounting.Asset   `yaml:"nativeAsset"`
	Assets      []accounting.Asset `yaml:"assets"`
	Pools       []PoolConfig       `yaml:"pools"`
	Metadata    []events.Metadata  `yaml:"metadata"`
	// StartHeight is the first block indexed for the scope.
	StartHeight int64 `yaml:"startHeight"`

	assets map[string]accounting.Asset
}

// Scope returns the accounting scope.
func (s *ScopeConfig) Scope() accounting.Scope {
	return accounting.Scope{ChainID: s.Chain.NetworkID, Key: s.Key}
}

// Asset resolves an asset by key.
func (s *ScopeConfig) Asset(key string) (accounting.Asset, bool) {
	a, ok := s.assets[string(accounting.NormalizeAddress(key))]
	return a, ok
}

func (s *ScopeConfig) index() error {
	if s.Key == "" {
		return errors.New("scope without key")
	}
	if s.Chain.NetworkID == 0 {
		return fmt.Errorf("scope %s: chain.networkId is required", s.Key)
	}
	s.assets = make(map[string]accounting.Asset, len(s.Assets))
	for i := range s.Assets {
		a := &s.Assets[i]
		a.Key = string(accounting.NormalizeAddress(a.Key))
		if a.Key == "" {
			return fmt.Errorf("scope %s: asset without key", s.Key)
		}
		if a.Decimals < 0 || a.Decimals > 36 {
			return fmt.Errorf("scope %s: asset %s: decimals %d out of range", s.Key, a.Key, a.Decimals)
		}
		s.assets[a.Key] = *a
	}
	if s.NativeAsset.Key != "" {
		s.NativeAsset.Key = string(accounting.NormalizeAddress(s.NativeAsset.Key))
	}
	for i := range s.Pools {
		p := &s.Pools[i]
		p.ID = string(accounting.NormalizeAddress(p.ID))
		for _, tok := range []string{p.Token0, p.Token1} {
			if _, ok := s.Asset(tok); !ok {
				return fmt.Errorf("scope %s: pool %s references unknown asset %s", s.Key, p.ID, tok)
			}
		}
	}
	for _, m := range s.Metadata {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("scope %s: %w", s.Key, err)
		}
	}
	return nil
}

// Registry is the set of indexed scopes.
type Registry struct {
	Scopes []*ScopeConfig `yaml:"scopes"`

	byKey map[string]*ScopeConfig
}

// ParseRegistry decodes and validates a YAML registry.
func ParseRegistry(raw []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadRegistry reads a YAML registry from path.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return ParseRegistry(raw)
}

// NewRegistry builds a registry from scope configs.
func NewRegistry(scopes ...*ScopeConfig) (*Registry, error) {
	r := &Registry{Scopes: scopes}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	r.byKey = make(map[string]*ScopeConfig, len(r.Scopes))
	for _, s := range r.Scopes {
		if err := s.index(); err != nil {
			return err
		}
		if _, dup := r.byKey[s.Key]; dup {
			return fmt.Errorf("duplicate scope %s", s.Key)
		}
		r.byKey[s.Key] = s
	}
	return nil
}

// Lookup returns the scope with key.
func (r *Registry) Lookup(key string) (*ScopeConfig, error) {
	s, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, key)
	}
	return s, nil
}

// Keys lists scope keys in registry order.
func (r *Registry) Keys() []string {
	out := make([]string, 0, len(r.Scopes))
	for _, s := range r.Scopes {
		out = append(out, s.Key)
	}
	return out
}
