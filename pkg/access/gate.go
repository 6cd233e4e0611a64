// Package access maintains the role registry that gates privileged
// ledger calls: liquidators, order keepers, and partner contracts that
// may act on behalf of other accounts.
package access

import (
	"sync"

	"github.com/luxfi/log"
)

// Role identifies a privileged capability.
type Role string

const (
	RoleLiquidator  Role = "liquidator"
	RoleOrderKeeper Role = "order_keeper"
	RolePartner     Role = "partner"
)

// Gate is a concurrency-safe role registry.
type Gate struct {
	mu     sync.RWMutex
	roles  map[Role]map[string]bool
	logger log.Logger
}

// NewGate creates an empty registry.
func NewGate(logger log.Logger) *Gate {
	if logger == nil {
		logger = log.Root().New("module", "access")
	}
	return &Gate{
		roles:  make(map[Role]map[string]bool),
		logger: logger,
	}
}

// Grant gives an address a role.
func (g *Gate) Grant(role Role, addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.roles[role]
	if !ok {
		members = make(map[string]bool)
		g.roles[role] = members
	}
	members[addr] = true
	g.logger.Info("role granted", "role", string(role), "address", addr)
}

// Revoke removes a role from an address.
func (g *Gate) Revoke(role Role, addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if members, ok := g.roles[role]; ok {
		delete(members, addr)
	}
	g.logger.Info("role revoked", "role", string(role), "address", addr)
}

// Has reports whether an address holds a role.
func (g *Gate) Has(role Role, addr string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roles[role][addr]
}

// Members returns all addresses holding a role.
func (g *Gate) Members(role Role) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.roles[role]))
	for addr := range g.roles[role] {
		out = append(out, addr)
	}
	return out
}

// IsLiquidator implements vault.AccessGate.
func (g *Gate) IsLiquidator(addr string) bool { return g.Has(RoleLiquidator, addr) }

// IsOrderKeeper implements vault.AccessGate.
func (g *Gate) IsOrderKeeper(addr string) bool { return g.Has(RoleOrderKeeper, addr) }

// IsPartner implements vault.AccessGate.
func (g *Gate) IsPartner(addr string) bool { return g.Has(RolePartner, addr) }
