/*
handlers.go - HTTP API handlers for the relief inventory ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Submissions:
    POST   /api/collections            Record a collection batch
    POST   /api/withdrawals            Record a withdrawal batch

  Reports:
    GET    /api/stock                  Current stock, all items
    GET    /api/balances               Daily opening/closing balances
    GET    /api/snapshot/{date}        Single-day snapshot with nav hints
    GET    /api/snapshot/earliest      Earliest recorded event date

  Reconciliation:
    POST   /api/import                 Merge historical events
    POST   /api/admin/rebuild          Force aggregate rebuild
    POST   /api/admin/integrity        Dedup + orphan sweep + verify

  Catalog:
    GET    /api/items                  List items
    POST   /api/items                  Create/update item
    GET    /api/items/{id}             Get item
    POST   /api/items/{id}/deactivate  Soft-deactivate item
    GET    /api/items/low-stock        Items at or below threshold

ERROR HANDLING:
  Domain errors map onto HTTP status:
  - 400: Validation errors (bad quantity, inactive item, bad range)
  - 404: Unknown item / header
  - 409: Insufficient stock, partial-write conflicts
  - 500: Storage and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/errors.go: Error taxonomy this maps from
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/relieftrack/ledger-engine/catalog"
	"github.com/relieftrack/ledger-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Catalog    catalog.Store
	Items      ledger.ItemDirectory
	Agg        *ledger.Aggregator
	Protocol   *ledger.CommitProtocol
	Daily      *ledger.DailyCalculator
	Snapshots  *ledger.SnapshotEngine
	Reconciler *ledger.Reconciler
}

// NewHandler wires the handler from its engine components.
func NewHandler(
	cat catalog.Store,
	items ledger.ItemDirectory,
	agg *ledger.Aggregator,
	protocol *ledger.CommitProtocol,
	daily *ledger.DailyCalculator,
	snapshots *ledger.SnapshotEngine,
	reconciler *ledger.Reconciler,
) *Handler {
	return &Handler{
		Catalog:    cat,
		Items:      items,
		Agg:        agg,
		Protocol:   protocol,
		Daily:      daily,
		Snapshots:  snapshots,
		Reconciler: reconciler,
	}
}

// =============================================================================
// SUBMISSION HANDLERS
// =============================================================================

// SubmitCollection records a collection batch.
func (h *Handler) SubmitCollection(w http.ResponseWriter, r *http.Request) {
	var req SubmitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	lines, err := parseLines(req.Lines)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid lines", err)
		return
	}
	occurredAt, err := parseOccurredAt(req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at (use RFC3339)", err)
		return
	}

	result, err := h.Protocol.SubmitCollection(r.Context(), ledger.CollectionInput{
		Actor:      ledger.ActorID(req.Actor),
		Lines:      lines,
		Notes:      req.Notes,
		OccurredAt: occurredAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CommitResultDTO{
		HeaderID:       string(result.Header),
		State:          string(result.State),
		AggregateStale: result.AggregateStale,
	})
}

// SubmitWithdrawal records a withdrawal batch.
func (h *Handler) SubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req SubmitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	lines, err := parseLines(req.Lines)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid lines", err)
		return
	}
	occurredAt, err := parseOccurredAt(req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at (use RFC3339)", err)
		return
	}

	result, err := h.Protocol.SubmitWithdrawal(r.Context(), ledger.WithdrawalInput{
		Actor:      ledger.ActorID(req.Actor),
		Lines:      lines,
		Recipient:  req.Recipient,
		Reason:     req.Reason,
		Notes:      req.Notes,
		OccurredAt: occurredAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CommitResultDTO{
		HeaderID:       string(result.Header),
		State:          string(result.State),
		AggregateStale: result.AggregateStale,
	})
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// GetStock returns current stock for all items, or one item when the
// "item" query parameter is set. Rows are enriched with catalog names
// and low-stock flags.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if itemParam := r.URL.Query().Get("item"); itemParam != "" {
		id := ledger.ItemID(itemParam)
		info, err := h.Items.Item(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to look up item", err)
			return
		}
		if info == nil {
			writeError(w, http.StatusNotFound, "Item not found", nil)
			return
		}
		row, err := h.Agg.CurrentStock(ctx, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.toStockDTO(ctx, row))
		return
	}

	rows, err := h.Agg.AllStocks(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]StockDTO, len(rows))
	for i, row := range rows {
		dtos[i] = h.toStockDTO(ctx, row)
	}

	writeJSON(w, http.StatusOK, StockReportDTO{
		Rows:           dtos,
		AggregateState: string(h.Agg.State()),
		AsOf:           time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) toStockDTO(ctx context.Context, row ledger.StockRow) StockDTO {
	dto := StockDTO{
		ItemID:    string(row.Item),
		Collected: row.Collected.String(),
		Withdrawn: row.Withdrawn.String(),
		Stock:     row.Stock.String(),
	}
	item, err := h.Catalog.GetItem(ctx, row.Item)
	if err == nil && item != nil {
		dto.ItemName = item.Name
		dto.Unit = item.Unit
		dto.LowStock = item.Active && !row.Stock.GreaterThan(item.LowStockThreshold)
	}
	return dto
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetDailyBalances returns the daily balance report for ?start=&end=,
// optionally restricted to one item.
func (h *Handler) GetDailyBalances(w http.ResponseWriter, r *http.Request) {
	start, err := ledger.ParseDate(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start date (use YYYY-MM-DD)", err)
		return
	}
	end, err := ledger.ParseDate(r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end date (use YYYY-MM-DD)", err)
		return
	}

	var item *ledger.ItemID
	if itemParam := r.URL.Query().Get("item"); itemParam != "" {
		id := ledger.ItemID(itemParam)
		item = &id
	}

	rows, err := h.Daily.DailyBalances(r.Context(), start, end, item)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]DailyBalanceDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toDailyBalanceDTO(row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": dtos})
}

// =============================================================================
// SNAPSHOT HANDLERS
// =============================================================================

// GetSnapshot returns the single-day snapshot for /api/snapshot/{date},
// with previous/next navigation hints when those days are reachable.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	date, err := ledger.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}

	var item *ledger.ItemID
	if itemParam := r.URL.Query().Get("item"); itemParam != "" {
		id := ledger.ItemID(itemParam)
		item = &id
	}

	ctx := r.Context()
	snapshot, err := h.Snapshots.Snapshot(ctx, date, item)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dto := toSnapshotDTO(snapshot)

	// Navigation hints are best-effort: an unreachable neighbor just
	// leaves the field empty.
	if prev, err := h.Snapshots.PreviousDay(ctx, date); err == nil {
		s := prev.String()
		dto.PreviousDay = &s
	}
	if next, err := h.Snapshots.NextDay(ctx, date); err == nil {
		s := next.String()
		dto.NextDay = &s
	}

	writeJSON(w, http.StatusOK, dto)
}

// GetEarliestDate returns the calendar day of the oldest event.
func (h *Handler) GetEarliestDate(w http.ResponseWriter, r *http.Request) {
	date, err := h.Snapshots.EarliestEventDate(r.Context())
	if err != nil {
		if errors.Is(err, ledger.ErrNoEvents) {
			writeError(w, http.StatusNotFound, "No events recorded", nil)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"earliest": date.String()})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// ImportEvents merges externally sourced historical events.
func (h *Handler) ImportEvents(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "Source is required", nil)
		return
	}

	candidates := make([]ledger.CandidateEvent, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		occurredAt, err := time.Parse(time.RFC3339, c.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at (use RFC3339)", err)
			return
		}
		qty, err := decimal.NewFromString(c.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid quantity", err)
			return
		}
		candidates = append(candidates, ledger.CandidateEvent{
			Kind:       ledger.EventKind(c.Kind),
			Item:       ledger.ItemID(c.ItemID),
			Quantity:   ledger.Quantity{Value: qty},
			OccurredAt: occurredAt,
			RecordedBy: ledger.ActorID(c.RecordedBy),
			Recipient:  c.Recipient,
			Reason:     c.Reason,
			Notes:      c.Notes,
		})
	}

	report, err := h.Reconciler.ImportBatch(r.Context(), req.Source, candidates)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ImportReportDTO{
		Imported:         report.Imported,
		SkippedDuplicate: report.SkippedDuplicate,
		SkippedInvalid:   report.SkippedInvalid,
		Errors:           report.Errors,
	})
}

// RebuildAggregates forces a full aggregate rebuild.
func (h *Handler) RebuildAggregates(w http.ResponseWriter, r *http.Request) {
	h.Agg.MarkDirty()
	if err := h.Agg.Rebuild(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "rebuilt",
		"state":  string(h.Agg.State()),
	})
}

// RunIntegrity runs the requested integrity passes: duplicate removal,
// orphaned-header sweep, and totals verification.
func (h *Handler) RunIntegrity(w http.ResponseWriter, r *http.Request) {
	var req IntegrityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	report := IntegrityReportDTO{Reconciled: true}

	if req.Deduplicate {
		dedup, err := h.Reconciler.DeduplicateExisting(ctx)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		report.DuplicatesScanned = dedup.Scanned
		report.DuplicatesRemoved = dedup.Removed
	}

	if req.SweepOrphans {
		sweep, err := h.Reconciler.SweepOrphanedHeaders(ctx)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		for _, id := range sweep.Orphaned {
			report.OrphanedHeaders = append(report.OrphanedHeaders, string(id))
		}
		report.OrphansRemoved = sweep.Removed
	}

	if len(req.ExpectedTotals) > 0 {
		expected := make(map[ledger.ItemID]ledger.Quantity, len(req.ExpectedTotals))
		for id, qty := range req.ExpectedTotals {
			d, err := decimal.NewFromString(qty)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid expected quantity for "+id, err)
				return
			}
			expected[ledger.ItemID(id)] = ledger.Quantity{Value: d}
		}

		deltas, err := h.Reconciler.VerifyTotals(ctx, expected)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		for _, d := range deltas {
			report.TotalsDeltas = append(report.TotalsDeltas, TotalsDeltaDTO{
				ItemID:   string(d.Item),
				Expected: d.Expected.String(),
				Actual:   d.Actual.String(),
				Delta:    d.Delta.String(),
			})
			if !d.Delta.IsZero() {
				report.Reconciled = false
			}
		}
	}

	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListItems returns catalog items, active only unless ?all=true.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("all") == "true"

	items, err := h.Catalog.ListItems(r.Context(), includeInactive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list items", err)
		return
	}

	dtos := make([]ItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toItemDTO(item)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetItem returns a single catalog item.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id := ledger.ItemID(chi.URLParam(r, "id"))

	item, err := h.Catalog.GetItem(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get item", err)
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "Item not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(*item))
}

// CreateItem creates or updates a catalog item.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "ID and name are required", nil)
		return
	}

	threshold := ledger.ZeroQuantity()
	if req.LowStockThreshold != "" {
		d, err := decimal.NewFromString(req.LowStockThreshold)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid low_stock_threshold", err)
			return
		}
		threshold = ledger.Quantity{Value: d}
	}

	unit := req.Unit
	if unit == "" {
		unit = "unit"
	}

	item := catalog.Item{
		ID:                ledger.ItemID(req.ID),
		Name:              req.Name,
		Category:          req.Category,
		Unit:              unit,
		LowStockThreshold: threshold,
		Active:            true,
	}

	if err := h.Catalog.SaveItem(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save item", err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

// DeactivateItem soft-deactivates an item. History is preserved; only
// new manual submissions are blocked.
func (h *Handler) DeactivateItem(w http.ResponseWriter, r *http.Request) {
	id := ledger.ItemID(chi.URLParam(r, "id"))

	if err := h.Catalog.DeactivateItem(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrUnknownItem) {
			writeError(w, http.StatusNotFound, "Item not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to deactivate item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// GetLowStock returns active items at or below their threshold.
func (h *Handler) GetLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	items, err := h.Catalog.ListItems(ctx, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list items", err)
		return
	}
	stocks, err := h.Agg.AllStocks(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rows := catalog.LowStock(items, stocks)
	dtos := make([]StockDTO, len(rows))
	for i, row := range rows {
		dtos[i] = StockDTO{
			ItemID:   string(row.Item.ID),
			ItemName: row.Item.Name,
			Unit:     row.Item.Unit,
			Stock:    row.Stock.String(),
			LowStock: true,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseLines(dtos []LineDTO) ([]ledger.Line, error) {
	lines := make([]ledger.Line, len(dtos))
	for i, dto := range dtos {
		qty, err := decimal.NewFromString(dto.Quantity)
		if err != nil {
			return nil, err
		}
		lines[i] = ledger.Line{
			Item:     ledger.ItemID(dto.ItemID),
			Quantity: ledger.Quantity{Value: qty},
		}
	}
	return lines, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var stockErr *ledger.InsufficientStockError
	if errors.As(err, &stockErr) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "Insufficient stock",
			Code:  "insufficient_stock",
			Details: map[string]string{
				"item":      string(stockErr.Item),
				"requested": stockErr.Requested.String(),
				"available": stockErr.Available.String(),
				"shortfall": stockErr.Shortfall.String(),
			},
		})
		return
	}

	var partial *ledger.PartialWriteError
	if errors.As(err, &partial) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Batch write failed",
			Code:    "partial_write",
			Details: partial.Error(),
		})
		return
	}

	// ErrUnknownItem satisfies both predicates; in the domain-error path
	// it always came from request input, so the client check goes first.
	// Direct resource lookups 404 explicitly in their handlers.
	switch {
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
