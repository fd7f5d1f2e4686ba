package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

// Operations is the part of *txmgr.Tracker the operation endpoints use.
type Operations interface {
	Active() []domain.Operation
	Get(id string) (*txmgr.Operation, bool)
}

// OperationHandler serves tracked-operation endpoints. The journal store is
// optional; without it only operations still held by the tracker are
// visible.
type OperationHandler struct {
	tracker Operations
	store   domain.OperationStore
	logger  *slog.Logger
}

// NewOperationHandler creates an OperationHandler. store may be nil.
func NewOperationHandler(tracker Operations, store domain.OperationStore, logger *slog.Logger) *OperationHandler {
	return &OperationHandler{tracker: tracker, store: store, logger: logHandler(logger, "operation")}
}

type listOperationsResponse struct {
	Active     []domain.Operation `json:"active"`
	Operations []domain.Operation `json:"operations"`
}

// ListOperations returns the in-flight operations and, when a journal is
// configured, a page of journaled ones.
// GET /api/operations?limit=50&offset=0&since=...&until=...
func (h *OperationHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	resp := listOperationsResponse{
		Active:     h.tracker.Active(),
		Operations: []domain.Operation{},
	}
	if resp.Active == nil {
		resp.Active = []domain.Operation{}
	}
	if h.store != nil {
		ops, err := h.store.ListOperations(r.Context(), parseListOpts(r))
		if err != nil {
			writeFailure(w, r, h.logger, "list operations", err)
			return
		}
		if ops != nil {
			resp.Operations = ops
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type operationDetail struct {
	domain.Operation
	Events []domain.TxEvent `json:"events"`
}

// GetOperation returns one operation with its step transitions. The
// journal is consulted first, then the tracker.
// GET /api/operations/{id}
func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing operation id")
		return
	}
	if h.store != nil {
		op, err := h.store.GetOperation(r.Context(), id)
		switch {
		case err == nil:
			events, err := h.store.ListEvents(r.Context(), id)
			if err != nil {
				writeFailure(w, r, h.logger, "get operation", err)
				return
			}
			if events == nil {
				events = []domain.TxEvent{}
			}
			writeJSON(w, http.StatusOK, operationDetail{Operation: op, Events: events})
			return
		case !errors.Is(err, domain.ErrNotFound):
			writeFailure(w, r, h.logger, "get operation", err)
			return
		}
	}
	op, ok := h.tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, operationDetail{Operation: op.Info(), Events: []domain.TxEvent{}})
}
