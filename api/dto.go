/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Items:
    ItemDTO, CreateItemRequest

  Submissions:
    SubmitBatchRequest, LineDTO, CommitResultDTO

  Stock:
    StockDTO, StockReportDTO

  Balances:
    DailyBalanceDTO

  Snapshots:
    SnapshotDTO, SnapshotRowDTO, CategoryGroupDTO, SnapshotSummaryDTO

  Reconciliation:
    ImportRequest, ImportCandidateDTO, ImportReportDTO,
    IntegrityRequest, IntegrityReportDTO

NUMERIC FIELDS:
  Quantities cross the wire as decimal strings ("12.5"), never floats.
  The engine is decimal end to end; the API must not reintroduce
  binary-float rounding at the boundary.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types these project
*/
package api

import (
	"time"

	"github.com/relieftrack/ledger-engine/catalog"
	"github.com/relieftrack/ledger-engine/ledger"
)

// =============================================================================
// ITEM TYPES
// =============================================================================

// ItemDTO represents a catalog item in API responses.
type ItemDTO struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Category          string `json:"category"`
	Unit              string `json:"unit"`
	LowStockThreshold string `json:"low_stock_threshold"`
	Active            bool   `json:"active"`
}

// CreateItemRequest is the request to create or update a catalog item.
type CreateItemRequest struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Category          string `json:"category"`
	Unit              string `json:"unit"`
	LowStockThreshold string `json:"low_stock_threshold,omitempty"`
}

// =============================================================================
// SUBMISSION TYPES
// =============================================================================

// LineDTO is one item+quantity line in a batch submission.
type LineDTO struct {
	ItemID   string `json:"item_id"`
	Quantity string `json:"quantity"`
}

// SubmitBatchRequest is the request body for both collections and
// withdrawals; Recipient and Reason are ignored for collections.
type SubmitBatchRequest struct {
	Actor      string    `json:"actor"`
	Lines      []LineDTO `json:"lines"`
	Recipient  string    `json:"recipient,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	OccurredAt string    `json:"occurred_at,omitempty"` // RFC3339; defaults to now
}

// CommitResultDTO is the response after a successful batch write.
type CommitResultDTO struct {
	HeaderID       string `json:"header_id"`
	State          string `json:"state"`
	AggregateStale bool   `json:"aggregate_stale,omitempty"`
}

// =============================================================================
// STOCK TYPES
// =============================================================================

// StockDTO is the derived all-time balance for one item.
type StockDTO struct {
	ItemID    string `json:"item_id"`
	ItemName  string `json:"item_name,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Collected string `json:"collected"`
	Withdrawn string `json:"withdrawn"`
	Stock     string `json:"stock"`
	LowStock  bool   `json:"low_stock,omitempty"`
}

// StockReportDTO wraps the full stock report with cache metadata.
type StockReportDTO struct {
	Rows           []StockDTO `json:"rows"`
	AggregateState string     `json:"aggregate_state"`
	AsOf           string     `json:"as_of"`
}

// =============================================================================
// DAILY BALANCE TYPES
// =============================================================================

// DailyBalanceDTO is one (date, item) row of the daily balance report.
type DailyBalanceDTO struct {
	Date      string `json:"date"`
	ItemID    string `json:"item_id"`
	ItemName  string `json:"item_name"`
	Opening   string `json:"opening"`
	Collected string `json:"collected"`
	Withdrawn string `json:"withdrawn"`
	Closing   string `json:"closing"`
}

// =============================================================================
// SNAPSHOT TYPES
// =============================================================================

type SnapshotRowDTO struct {
	ItemID    string `json:"item_id"`
	ItemName  string `json:"item_name"`
	Unit      string `json:"unit,omitempty"`
	Opening   string `json:"opening"`
	Collected string `json:"collected"`
	Withdrawn string `json:"withdrawn"`
	Closing   string `json:"closing"`
}

type CategoryGroupDTO struct {
	Category string           `json:"category"`
	Rows     []SnapshotRowDTO `json:"rows"`
}

type SnapshotSummaryDTO struct {
	TotalCollected    string `json:"total_collected"`
	TotalWithdrawn    string `json:"total_withdrawn"`
	NetChange         string `json:"net_change"`
	ItemsWithActivity int    `json:"items_with_activity"`
}

// SnapshotDTO is a full single-day review, with navigation hints for
// stepping through history day by day.
type SnapshotDTO struct {
	Date        string             `json:"date"`
	Groups      []CategoryGroupDTO `json:"groups"`
	Summary     SnapshotSummaryDTO `json:"summary"`
	PreviousDay *string            `json:"previous_day,omitempty"`
	NextDay     *string            `json:"next_day,omitempty"`
}

// =============================================================================
// RECONCILIATION TYPES
// =============================================================================

// ImportCandidateDTO is one externally sourced historical event.
type ImportCandidateDTO struct {
	Kind       string `json:"kind"` // "collected" or "withdrawn"
	ItemID     string `json:"item_id"`
	Quantity   string `json:"quantity"`
	OccurredAt string `json:"occurred_at"` // RFC3339
	RecordedBy string `json:"recorded_by,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// ImportRequest is the request to merge historical events.
type ImportRequest struct {
	Source     string               `json:"source"`
	Candidates []ImportCandidateDTO `json:"candidates"`
}

// ImportReportDTO accounts for every candidate in an import.
type ImportReportDTO struct {
	Imported         int      `json:"imported"`
	SkippedDuplicate int      `json:"skipped_duplicate"`
	SkippedInvalid   int      `json:"skipped_invalid"`
	Errors           []string `json:"errors,omitempty"`
}

// IntegrityRequest drives the combined integrity endpoint. Expected
// totals are optional; when present they are verified against actual
// stock.
type IntegrityRequest struct {
	Deduplicate    bool              `json:"deduplicate,omitempty"`
	SweepOrphans   bool              `json:"sweep_orphans,omitempty"`
	ExpectedTotals map[string]string `json:"expected_totals,omitempty"` // item id -> quantity
}

type TotalsDeltaDTO struct {
	ItemID   string `json:"item_id"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Delta    string `json:"delta"`
}

// IntegrityReportDTO is the combined result of the requested passes.
type IntegrityReportDTO struct {
	DuplicatesScanned int              `json:"duplicates_scanned,omitempty"`
	DuplicatesRemoved int              `json:"duplicates_removed,omitempty"`
	OrphanedHeaders   []string         `json:"orphaned_headers,omitempty"`
	OrphansRemoved    int              `json:"orphans_removed,omitempty"`
	TotalsDeltas      []TotalsDeltaDTO `json:"totals_deltas,omitempty"`
	Reconciled        bool             `json:"reconciled"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toItemDTO(item catalog.Item) ItemDTO {
	return ItemDTO{
		ID:                string(item.ID),
		Name:              item.Name,
		Category:          item.Category,
		Unit:              item.Unit,
		LowStockThreshold: item.LowStockThreshold.String(),
		Active:            item.Active,
	}
}

func toDailyBalanceDTO(row ledger.DailyBalanceRow) DailyBalanceDTO {
	return DailyBalanceDTO{
		Date:      row.Date.String(),
		ItemID:    string(row.Item),
		ItemName:  row.ItemName,
		Opening:   row.Opening.String(),
		Collected: row.Collected.String(),
		Withdrawn: row.Withdrawn.String(),
		Closing:   row.Closing.String(),
	}
}

func toSnapshotDTO(s *ledger.Snapshot) SnapshotDTO {
	groups := make([]CategoryGroupDTO, len(s.Groups))
	for i, g := range s.Groups {
		rows := make([]SnapshotRowDTO, len(g.Rows))
		for j, row := range g.Rows {
			rows[j] = SnapshotRowDTO{
				ItemID:    string(row.Item),
				ItemName:  row.ItemName,
				Unit:      row.Unit,
				Opening:   row.Opening.String(),
				Collected: row.Collected.String(),
				Withdrawn: row.Withdrawn.String(),
				Closing:   row.Closing.String(),
			}
		}
		groups[i] = CategoryGroupDTO{Category: g.Category, Rows: rows}
	}

	return SnapshotDTO{
		Date:   s.Date.String(),
		Groups: groups,
		Summary: SnapshotSummaryDTO{
			TotalCollected:    s.Summary.TotalCollected.String(),
			TotalWithdrawn:    s.Summary.TotalWithdrawn.String(),
			NetChange:         s.Summary.NetChange.String(),
			ItemsWithActivity: s.Summary.ItemsWithActivity,
		},
	}
}

func parseOccurredAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
