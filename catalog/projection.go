package catalog

import (
	"sort"

	"github.com/relieftrack/ledger-engine/ledger"
)

// =============================================================================
// READ-ONLY PROJECTIONS - Presentation layered over aggregator output
// =============================================================================

// LowStockRow flags an active item whose current stock is at or below
// its threshold.
type LowStockRow struct {
	Item      Item
	Stock     ledger.Quantity
	Threshold ledger.Quantity
}

// LowStock joins catalog thresholds against derived stock. Items with
// no events count as zero stock; inactive items are excluded.
func LowStock(items []Item, stocks []ledger.StockRow) []LowStockRow {
	byItem := make(map[ledger.ItemID]ledger.Quantity, len(stocks))
	for _, row := range stocks {
		byItem[row.Item] = row.Stock
	}

	var rows []LowStockRow
	for _, item := range items {
		if !item.Active {
			continue
		}
		stock, ok := byItem[item.ID]
		if !ok {
			stock = ledger.ZeroQuantity()
		}
		if stock.GreaterThan(item.LowStockThreshold) {
			continue
		}
		rows = append(rows, LowStockRow{Item: item, Stock: stock, Threshold: item.LowStockThreshold})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Item.Name < rows[j].Item.Name })
	return rows
}

// StockByCategory groups derived stock rows under their item category.
type CategoryStock struct {
	Category string
	Rows     []CategoryStockRow
}

type CategoryStockRow struct {
	Item  Item
	Stock ledger.StockRow
}

func GroupByCategory(items []Item, stocks []ledger.StockRow) []CategoryStock {
	byItem := make(map[ledger.ItemID]ledger.StockRow, len(stocks))
	for _, row := range stocks {
		byItem[row.Item] = row
	}

	grouped := make(map[string][]CategoryStockRow)
	for _, item := range items {
		stock, ok := byItem[item.ID]
		if !ok {
			stock = ledger.StockRow{
				Item:      item.ID,
				Collected: ledger.ZeroQuantity(),
				Withdrawn: ledger.ZeroQuantity(),
				Stock:     ledger.ZeroQuantity(),
			}
		}
		grouped[item.Category] = append(grouped[item.Category], CategoryStockRow{Item: item, Stock: stock})
	}

	result := make([]CategoryStock, 0, len(grouped))
	for category, rows := range grouped {
		sort.Slice(rows, func(i, j int) bool { return rows[i].Item.Name < rows[j].Item.Name })
		result = append(result, CategoryStock{Category: category, Rows: rows})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Category < result[j].Category })
	return result
}
