package mswim

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store/memory"
)

func newTestResolver(t *testing.T) (*ConfigResolver, *memory.Store) {
	t.Helper()
	db := memory.New()
	return NewConfigResolver(db.ScoringConfigs(), slog.Default()), db
}

func seedConfig(t *testing.T, db *memory.Store, id string, siteURL *string, activate bool) *models.ScoringConfig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ID = id
	cfg.Name = id
	cfg.SiteURL = siteURL
	cfg.IsActive = false
	require.NoError(t, db.ScoringConfigs().Create(context.Background(), cfg))
	if activate {
		require.NoError(t, db.ScoringConfigs().Activate(context.Background(), id))
	}
	return cfg
}

func TestResolveFallsBackToCompiledDefaults(t *testing.T) {
	resolver, _ := newTestResolver(t)

	cfg := resolver.Resolve(context.Background(), "sess-1", "https://shop.example.com")
	require.NotNil(t, cfg)
	assert.Equal(t, "default", cfg.ID)
	assert.NoError(t, cfg.Validate())
}

func TestResolvePrefersSiteOverGlobal(t *testing.T) {
	resolver, db := newTestResolver(t)
	site := "https://shop.example.com"
	seedConfig(t, db, "global-v1", nil, true)
	seedConfig(t, db, "site-v1", &site, true)

	got := resolver.Resolve(context.Background(), "sess-1", site)
	assert.Equal(t, "site-v1", got.ID)

	got = resolver.Resolve(context.Background(), "sess-1", "https://other.example.com")
	assert.Equal(t, "global-v1", got.ID)
}

func TestResolveSessionOverrideWins(t *testing.T) {
	resolver, db := newTestResolver(t)
	site := "https://shop.example.com"
	seedConfig(t, db, "site-v1", &site, true)
	seedConfig(t, db, "experiment-v2", nil, false)

	resolver.SetOverride("sess-1", "experiment-v2")
	defer resolver.ReleaseOverride("sess-1")

	got := resolver.Resolve(context.Background(), "sess-1", site)
	assert.Equal(t, "experiment-v2", got.ID)

	// Other sessions are unaffected by the override.
	got = resolver.Resolve(context.Background(), "sess-2", site)
	assert.Equal(t, "site-v1", got.ID)
}

func TestResolveBrokenOverrideFallsThrough(t *testing.T) {
	resolver, db := newTestResolver(t)
	seedConfig(t, db, "global-v1", nil, true)

	resolver.SetOverride("sess-1", "no-such-config")
	defer resolver.ReleaseOverride("sess-1")

	got := resolver.Resolve(context.Background(), "sess-1", "")
	assert.Equal(t, "global-v1", got.ID)
}

func TestReleaseOverrideIsIdempotent(t *testing.T) {
	resolver, _ := newTestResolver(t)
	resolver.ReleaseOverride("sess-unknown")
	resolver.SetOverride("sess-1", "cfg-1")
	resolver.ReleaseOverride("sess-1")
	resolver.ReleaseOverride("sess-1")
}
