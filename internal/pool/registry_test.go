package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workspaces/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Pools: map[string]config.PoolConfig{
			"bulk": {
				Root: "tank/bulk", MountRoot: "/bulk",
				DefaultDurationDays: 90, MaxDurationDays: 180, RetentionDays: 30,
				QuotaBytes: 1 << 40, Snapshot: true,
			},
			"scratch": {
				Root: "tank/scratch", DefaultDurationDays: 7, MaxDurationDays: 30, RetentionDays: 3,
				Disabled: true,
			},
		},
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := NewRegistry(testConfig())
	require.NoError(t, err)

	p, err := r.Resolve("bulk")
	require.NoError(t, err)
	assert.Equal(t, "tank/bulk", p.Root)
	assert.Equal(t, 90*Day, p.DefaultDuration)
	assert.Equal(t, 180*Day, p.MaxDuration)
	assert.Equal(t, 30*Day, p.Retention)
	assert.Equal(t, uint64(1<<40), p.Quota)
	assert.True(t, p.Snapshot)

	_, err = r.Resolve("nope")
	assert.ErrorIs(t, err, ErrUnknownPool)

	// Two pools and no default_pool: a name is required.
	_, err = r.Resolve("")
	assert.ErrorIs(t, err, ErrNoPoolSelected)

	assert.Equal(t, []string{"bulk", "scratch"}, r.Names())
	all := r.All()
	require.Len(t, all, 2)
	assert.True(t, all[1].Disabled)
}

func TestRegistry_Default(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultPool = "scratch"
	r, err := NewRegistry(cfg)
	require.NoError(t, err)

	name, ok := r.Default()
	assert.True(t, ok)
	assert.Equal(t, "scratch", name)
	p, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "scratch", p.Name)

	cfg = testConfig()
	delete(cfg.Pools, "scratch")
	r, err = NewRegistry(cfg)
	require.NoError(t, err)
	p, err = r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "bulk", p.Name, "a single pool is the default")
}

func TestPool_ClampDuration(t *testing.T) {
	p := Pool{DefaultDuration: 90 * Day, MaxDuration: 180 * Day}

	testCases := []struct {
		name      string
		requested time.Duration
		expected  time.Duration
		wantErr   bool
	}{
		{"unspecified uses default", 0, 90 * Day, false},
		{"within policy", 10 * Day, 10 * Day, false},
		{"at maximum", 180 * Day, 180 * Day, false},
		{"above maximum is clamped", 365 * Day, 180 * Day, false},
		{"negative", -Day, 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.ClampDuration(tc.requested)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrDurationExceeded)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestPool_Paths(t *testing.T) {
	p := Pool{Root: "tank/bulk", MountRoot: "/bulk"}
	assert.Equal(t, "tank/bulk/alice/sim1", p.Location("alice", "sim1").Dataset())
	assert.Equal(t, "/bulk/alice/sim1", p.Mountpoint("alice", "sim1"))
	assert.Empty(t, Pool{Root: "tank/x"}.Mountpoint("alice", "sim1"))

	r, err := NewRegistry(testConfig())
	require.NoError(t, err)
	d, err := r.ClampDuration("scratch", 0)
	require.NoError(t, err)
	assert.Equal(t, 7*Day, d)
}
