package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/storage"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := Open(context.Background(), Config{Addr: mr.Addr(), Prefix: "wc:test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func rumor(id string, created time.Time) *models.Rumor {
	return &models.Rumor{
		ID: id, CreatedAt: created, OriginatorID: "npc1", OriginalContent: "A dragon was seen",
		Severity: models.SeverityCritical, TruthValue: 0.1,
		Variants: []models.Variant{{ID: id + "-v1", Content: "A dragon was seen", CreatedAt: created, EntityID: "npc1"}},
		Spread:   []models.SpreadRecord{{EntityID: "npc1", VariantID: id + "-v1", Believability: 1, HeardAt: created}},
	}
}

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, s := setupStore(t)

	snap, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)

	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveState(ctx, models.StateSnapshot{
		"economy.grain_price": {Key: "economy.grain_price", Value: 12.5, Category: models.CategoryEconomic, Region: models.RegionSouth,
			CreatedAt: t0, UpdatedAt: t0,
			History: []models.StateChangeRecord{{ID: "h1", Key: "economy.grain_price", Timestamp: t0, NewValue: 12.5, Change: models.ChangeCreated}}},
	}))
	assert.True(t, mr.Exists("wc:test:state"))

	snap, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.5, snap["economy.grain_price"].Value)
}

func TestRumorKeysAndIndex(t *testing.T) {
	ctx := context.Background()
	mr, s := setupStore(t)
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRumor(ctx, rumor("b", t0.Add(time.Minute))))
	require.NoError(t, s.SaveRumor(ctx, rumor("a", t0)))
	assert.True(t, mr.Exists("wc:test:rumor:a"))
	members, err := mr.Members("wc:test:rumors")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	all, err := s.AllRumors(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	require.NoError(t, s.DeleteRumor(ctx, "a"))
	_, err = s.GetRumor(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	members, err = mr.Members("wc:test:rumors")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestAllRumorsSkipsInvalidAndDangling(t *testing.T) {
	ctx := context.Background()
	mr, s := setupStore(t)

	require.NoError(t, s.SaveRumor(ctx, rumor("good", time.Now())))
	require.NoError(t, mr.Set("wc:test:rumor:bad", `{"id":"bad"}`))
	_, err := mr.SAdd("wc:test:rumors", "bad", "dangling")
	require.NoError(t, err)

	all, err := s.AllRumors(ctx)
	assert.ErrorIs(t, err, storage.ErrInvalidDocument)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].ID)
}

func TestOpenFailsWhenServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = Open(context.Background(), Config{Addr: addr})
	assert.Error(t, err)
}
