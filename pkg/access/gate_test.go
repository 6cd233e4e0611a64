package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateRoles(t *testing.T) {
	g := NewGate(nil)

	t.Run("empty registry denies everyone", func(t *testing.T) {
		assert.False(t, g.IsLiquidator("alice"))
		assert.False(t, g.IsOrderKeeper("alice"))
		assert.False(t, g.IsPartner("alice"))
	})

	t.Run("grant and check", func(t *testing.T) {
		g.Grant(RoleLiquidator, "alice")
		assert.True(t, g.IsLiquidator("alice"))
		assert.False(t, g.IsOrderKeeper("alice"), "roles are independent")
		assert.False(t, g.IsLiquidator("bob"))
	})

	t.Run("revoke", func(t *testing.T) {
		g.Revoke(RoleLiquidator, "alice")
		assert.False(t, g.IsLiquidator("alice"))
	})

	t.Run("revoking an absent role is harmless", func(t *testing.T) {
		g.Revoke(RolePartner, "nobody")
		assert.False(t, g.IsPartner("nobody"))
	})

	t.Run("members", func(t *testing.T) {
		g.Grant(RoleOrderKeeper, "k1")
		g.Grant(RoleOrderKeeper, "k2")
		assert.ElementsMatch(t, []string{"k1", "k2"}, g.Members(RoleOrderKeeper))
	})
}
