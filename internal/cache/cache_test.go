package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/model"
)

func sampleSnapshot(profiles, accessories int) *model.Snapshot {
	snap := &model.Snapshot{}
	for i := 0; i < profiles; i++ {
		snap.Profiles = append(snap.Profiles, model.Profile{
			Code:      string(rune('A'+i%26)) + "-profile",
			Name:      "profile",
			PricePerM: 1.5,
			Extra:     map[string]string{"supplier": "acme"},
		})
	}
	for i := 0; i < accessories; i++ {
		snap.Accessories = append(snap.Accessories, model.Accessory{
			Code: string(rune('A'+i%26)) + "-accessory",
			Name: "accessory",
			Unit: "pcs",
		})
	}
	return snap
}

// caches under test; both implementations must satisfy the same contract.
func openCaches(t *testing.T) map[string]ReplicaCache {
	t.Helper()

	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "replica.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]ReplicaCache{
		"sqlite": sqlite,
		"memory": NewMemoryCache(zap.NewNop()),
	}
}

func TestReadAllEmpty(t *testing.T) {
	for name, c := range openCaches(t) {
		t.Run(name, func(t *testing.T) {
			snap, meta, err := c.ReadAll(context.Background(), "org-1")
			require.NoError(t, err)
			assert.Nil(t, meta)
			profiles, accessories := snap.Counts()
			assert.Zero(t, profiles)
			assert.Zero(t, accessories)
		})
	}
}

func TestReplaceAllRoundTrip(t *testing.T) {
	for name, c := range openCaches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, c.ReplaceAll(ctx, "org-1", 3, "a.csv", sampleSnapshot(5, 2)))

			snap, meta, err := c.ReadAll(ctx, "org-1")
			require.NoError(t, err)
			require.NotNil(t, meta)
			assert.Equal(t, int64(3), meta.Version)
			assert.Equal(t, "a.csv", meta.StoragePath)
			assert.False(t, meta.UpdatedAt.IsZero())
			assert.Len(t, snap.Profiles, 5)
			assert.Len(t, snap.Accessories, 2)
			assert.Equal(t, "acme", snap.Profiles[0].Extra["supplier"])

			// A later version fully replaces, never merges.
			require.NoError(t, c.ReplaceAll(ctx, "org-1", 4, "b.csv", sampleSnapshot(2, 1)))
			snap, meta, err = c.ReadAll(ctx, "org-1")
			require.NoError(t, err)
			assert.Equal(t, int64(4), meta.Version)
			assert.Len(t, snap.Profiles, 2)
			assert.Len(t, snap.Accessories, 1)
		})
	}
}

func TestTenantIsolation(t *testing.T) {
	for name, c := range openCaches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, c.ReplaceAll(ctx, "org-1", 1, "a.csv", sampleSnapshot(3, 0)))
			require.NoError(t, c.ReplaceAll(ctx, "org-2", 7, "z.csv", sampleSnapshot(1, 1)))

			require.NoError(t, c.Clear(ctx, "org-1"))

			snap, meta, err := c.ReadAll(ctx, "org-1")
			require.NoError(t, err)
			assert.Nil(t, meta)
			profiles, _ := snap.Counts()
			assert.Zero(t, profiles)

			_, meta, err = c.ReadAll(ctx, "org-2")
			require.NoError(t, err)
			require.NotNil(t, meta)
			assert.Equal(t, int64(7), meta.Version)
		})
	}
}

// A reader racing ReplaceAll must observe either the old or the new row
// count, never a value strictly in between.
func TestAtomicReplace(t *testing.T) {
	for name, c := range openCaches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const oldCount, newCount = 8, 3

			require.NoError(t, c.ReplaceAll(ctx, "org-1", 1, "a.csv", sampleSnapshot(oldCount, 0)))

			var wg sync.WaitGroup
			stop := make(chan struct{})

			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					snap, meta, err := c.ReadAll(ctx, "org-1")
					if err != nil {
						continue
					}
					profiles, _ := snap.Counts()
					assert.Contains(t, []int{oldCount, newCount}, profiles)
					if meta != nil && meta.Version == 1 {
						assert.Equal(t, oldCount, profiles)
					}
				}
			}()

			require.NoError(t, c.ReplaceAll(ctx, "org-1", 2, "b.csv", sampleSnapshot(newCount, 0)))
			close(stop)
			wg.Wait()
		})
	}
}
