/*
Package catalog holds the item reference data the ledger validates
against, plus the read-only presentation projections (low stock,
category grouping) that are deliberately kept OUT of the core ledger.

LIFECYCLE:
  Items are created by a catalog admin, may be soft-deactivated, and
  are never hard-deleted while events reference them. Identity is
  immutable; name, category, threshold and the active flag are not.
*/
package catalog

import (
	"context"

	"github.com/relieftrack/ledger-engine/ledger"
)

// =============================================================================
// ITEM - Full catalog record
// =============================================================================

type Item struct {
	ID       ledger.ItemID
	Name     string
	Category string
	Unit     string // Unit of measure, e.g. "kg", "box", "unit"

	// LowStockThreshold flags items for restocking attention. A
	// presentation concern: the ledger itself never reads it.
	LowStockThreshold ledger.Quantity

	Active bool
}

// Store persists catalog records.
type Store interface {
	SaveItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id ledger.ItemID) (*Item, error)

	// ListItems returns all items ordered by name, including inactive
	// ones when includeInactive is set.
	ListItems(ctx context.Context, includeInactive bool) ([]Item, error)

	// DeactivateItem soft-deactivates; items are never hard-deleted
	// while events reference them.
	DeactivateItem(ctx context.Context, id ledger.ItemID) error
}

// =============================================================================
// DIRECTORY - ledger.ItemDirectory over a catalog Store
// =============================================================================

// Directory adapts a catalog Store to the minimal lookup view the
// ledger engine validates against.
type Directory struct {
	store Store
}

func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

func (d *Directory) Item(ctx context.Context, id ledger.ItemID) (*ledger.ItemInfo, error) {
	item, err := d.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	return &ledger.ItemInfo{
		ID:       item.ID,
		Name:     item.Name,
		Category: item.Category,
		Unit:     item.Unit,
		Active:   item.Active,
	}, nil
}

func (d *Directory) ActiveItems(ctx context.Context) ([]ledger.ItemInfo, error) {
	items, err := d.store.ListItems(ctx, false)
	if err != nil {
		return nil, err
	}
	infos := make([]ledger.ItemInfo, len(items))
	for i, item := range items {
		infos[i] = ledger.ItemInfo{
			ID:       item.ID,
			Name:     item.Name,
			Category: item.Category,
			Unit:     item.Unit,
			Active:   item.Active,
		}
	}
	return infos, nil
}
