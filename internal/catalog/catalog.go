package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrItemNotFound is returned for unknown item ids.
var ErrItemNotFound = errors.New("catalog: item not found")

// Item is the slice of a catalog entry the payment flow needs.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PriceMinor  int64  `json:"priceMinor,omitempty"`
	Deliverable string `json:"deliverable"`
}

// Lookup resolves catalog items by id.
type Lookup interface {
	Item(ctx context.Context, id string) (Item, error)
}

// fileItem accepts the legacy "entregavel" field name for the deliverable.
type fileItem struct {
	Item
	Entregavel string `json:"entregavel"`
}

// FileCatalog serves items from a JSON array file loaded at Open time.
type FileCatalog struct {
	mu    sync.RWMutex
	path  string
	items map[string]Item
}

// OpenFile loads path. A missing file yields an empty catalog.
func OpenFile(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing file.
func (c *FileCatalog) Reload() error {
	items := map[string]Item{}
	data, err := os.ReadFile(c.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("catalog: read %s: %w", c.path, err)
	default:
		parsed, err := parseItems(data)
		if err != nil {
			return fmt.Errorf("catalog: parse %s: %w", c.path, err)
		}
		items = parsed
	}
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	return nil
}

func parseItems(data []byte) (map[string]Item, error) {
	var raw []fileItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]Item, len(raw))
	for _, r := range raw {
		item := r.Item
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" {
			continue
		}
		if item.Deliverable == "" {
			item.Deliverable = strings.TrimSpace(r.Entregavel)
		}
		out[item.ID] = item
	}
	return out, nil
}

// Item implements Lookup.
func (c *FileCatalog) Item(_ context.Context, id string) (Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[strings.TrimSpace(id)]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return item, nil
}

// Len returns the number of loaded items.
func (c *FileCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
