package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pix-storefront/internal/catalog"
)

const modelsJSON = `[
  {"id": "m1", "name": "Modelo 1", "priceMinor": 990, "deliverable": "https://cdn.example/m1.zip"},
  {"id": "m2", "name": "Modelo 2", "entregavel": "https://cdn.example/m2.zip"},
  {"name": "no id"}
]`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(path, []byte(modelsJSON), 0o600))
	return path
}

func TestFileCatalogLoadsItems(t *testing.T) {
	cat, err := catalog.OpenFile(writeCatalog(t))
	require.NoError(t, err)
	require.Equal(t, 2, cat.Len())

	m1, err := cat.Item(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, int64(990), m1.PriceMinor)
	require.Equal(t, "https://cdn.example/m1.zip", m1.Deliverable)

	m2, err := cat.Item(context.Background(), "m2")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/m2.zip", m2.Deliverable)

	_, err = cat.Item(context.Background(), "missing")
	require.ErrorIs(t, err, catalog.ErrItemNotFound)
}

func TestFileCatalogMissingFileIsEmpty(t *testing.T) {
	cat, err := catalog.OpenFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Zero(t, cat.Len())
}

type countingLookup struct {
	calls int
	item  catalog.Item
}

func (c *countingLookup) Item(context.Context, string) (catalog.Item, error) {
	c.calls++
	return c.item, nil
}

func TestCachedServesSecondReadFromRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	next := &countingLookup{item: catalog.Item{ID: "m1", Deliverable: "https://cdn.example/m1.zip"}}
	cached := catalog.Cached{Next: next, Client: client, TTL: time.Minute}

	for i := 0; i < 3; i++ {
		item, err := cached.Item(context.Background(), "m1")
		require.NoError(t, err)
		require.Equal(t, "https://cdn.example/m1.zip", item.Deliverable)
	}
	require.Equal(t, 1, next.calls)
	require.True(t, mr.Exists("catalog:item:m1"))

	mr.FastForward(2 * time.Minute)
	_, err = cached.Item(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, 2, next.calls)
}
