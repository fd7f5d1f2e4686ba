package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/cdp"
	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

// Positions is the part of *cdp.Manager the CDP endpoints use.
type Positions interface {
	GetCdpIds(ctx context.Context, proxy common.Address) ([]domain.CdpRef, error)
	GetCdp(ctx context.Context, id uint64) (*cdp.Cdp, error)
	GetCombinedDebtValue(ctx context.Context, proxy common.Address) (domain.Amount, error)
	GetCombinedEventHistory(ctx context.Context, proxy common.Address) ([]domain.CdpEvent, error)
	Open(ctx context.Context, ilk string) *txmgr.Future[*cdp.Cdp]
	OpenLockAndDraw(ctx context.Context, ilk string, collateral, debt domain.Amount) *txmgr.Future[*cdp.Cdp]
	Reset()
}

// CdpTypes resolves an ilk to its collateral metadata.
type CdpTypes interface {
	CdpType(ilk string) (domain.CdpType, error)
}

// ProxyLookup returns the serving account's proxy, or the zero address.
type ProxyLookup interface {
	Current(ctx context.Context) (common.Address, error)
}

// AuditLogger records mutating requests. *postgres.AuditStore satisfies it.
type AuditLogger interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// CdpHandler serves the position endpoints.
type CdpHandler struct {
	positions Positions
	types     CdpTypes
	proxies   ProxyLookup
	history   domain.HistoryCache
	audit     AuditLogger
	logger    *slog.Logger
}

// CdpHandlerOptions carries the optional collaborators of a CdpHandler.
type CdpHandlerOptions struct {
	History domain.HistoryCache
	Audit   AuditLogger
}

// NewCdpHandler creates a CdpHandler.
func NewCdpHandler(positions Positions, types CdpTypes, proxies ProxyLookup, opts CdpHandlerOptions, logger *slog.Logger) *CdpHandler {
	return &CdpHandler{
		positions: positions,
		types:     types,
		proxies:   proxies,
		history:   opts.History,
		audit:     opts.Audit,
		logger:    logHandler(logger, "cdp"),
	}
}

// CurrentProxy returns the serving account's proxy.
// GET /api/proxy
func (h *CdpHandler) CurrentProxy(w http.ResponseWriter, r *http.Request) {
	addr, err := h.proxies.Current(r.Context())
	if err != nil {
		writeFailure(w, r, h.logger, "proxy lookup", err)
		return
	}
	if addr == (common.Address{}) {
		writeError(w, http.StatusNotFound, "account has no proxy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"proxy": addr.Hex()})
}

type listCdpsResponse struct {
	Proxy string          `json:"proxy"`
	Cdps  []domain.CdpRef `json:"cdps"`
}

// ListCdps returns the indexed CDPs of a proxy, newest first.
// GET /api/proxies/{addr}/cdps
func (h *CdpHandler) ListCdps(w http.ResponseWriter, r *http.Request) {
	proxy, err := pathAddress(r, "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	refs, err := h.positions.GetCdpIds(r.Context(), proxy)
	if err != nil {
		writeFailure(w, r, h.logger, "list cdps", err)
		return
	}
	if refs == nil {
		refs = []domain.CdpRef{}
	}
	writeJSON(w, http.StatusOK, listCdpsResponse{Proxy: proxy.Hex(), Cdps: refs})
}

// CombinedDebt returns the summed DAI debt of a proxy's CDPs.
// GET /api/proxies/{addr}/debt
func (h *CdpHandler) CombinedDebt(w http.ResponseWriter, r *http.Request) {
	proxy, err := pathAddress(r, "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	debt, err := h.positions.GetCombinedDebtValue(r.Context(), proxy)
	if err != nil {
		writeFailure(w, r, h.logger, "combined debt", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxy": proxy.Hex(), "debt": debt})
}

type historyResponse struct {
	Proxy  string            `json:"proxy"`
	Events []domain.CdpEvent `json:"events"`
	Cached bool              `json:"cached"`
}

// History returns the combined event history of a proxy's CDPs. Results
// are cached per proxy when a history cache is configured.
// GET /api/proxies/{addr}/events
func (h *CdpHandler) History(w http.ResponseWriter, r *http.Request) {
	proxy, err := pathAddress(r, "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	if h.history != nil {
		events, err := h.history.Get(ctx, proxy.Hex())
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, historyResponse{Proxy: proxy.Hex(), Events: events, Cached: true})
			return
		case !errors.Is(err, domain.ErrNotFound):
			h.logger.WarnContext(ctx, "handler: history cache read failed", slog.String("error", err.Error()))
		}
	}

	events, err := h.positions.GetCombinedEventHistory(ctx, proxy)
	if err != nil {
		writeFailure(w, r, h.logger, "event history", err)
		return
	}
	if h.history != nil {
		if err := h.history.Set(ctx, proxy.Hex(), events); err != nil {
			h.logger.WarnContext(ctx, "handler: history cache write failed", slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, historyResponse{Proxy: proxy.Hex(), Events: events})
}

type cdpView struct {
	ID         uint64        `json:"id"`
	Ilk        string        `json:"ilk"`
	Owner      string        `json:"owner"`
	Urn        string        `json:"urn"`
	Collateral domain.Amount `json:"collateral"`
	Debt       domain.Amount `json:"debt"`
}

func describe(ctx context.Context, c *cdp.Cdp) (cdpView, error) {
	v := cdpView{ID: c.ID, Ilk: c.Ilk}
	owner, err := c.Owner(ctx)
	if err != nil {
		return v, err
	}
	urn, err := c.Urn(ctx)
	if err != nil {
		return v, err
	}
	if v.Collateral, err = c.CollateralAmount(ctx); err != nil {
		return v, err
	}
	if v.Debt, err = c.DebtValue(ctx); err != nil {
		return v, err
	}
	v.Owner, v.Urn = owner.Hex(), urn.Hex()
	return v, nil
}

// GetCdp returns the live state of one CDP.
// GET /api/cdps/{id}
func (h *CdpHandler) GetCdp(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.positions.GetCdp(r.Context(), id)
	if err != nil {
		writeFailure(w, r, h.logger, "get cdp", err)
		return
	}
	view, err := describe(r.Context(), c)
	if err != nil {
		writeFailure(w, r, h.logger, "get cdp", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type openRequest struct {
	Ilk        string `json:"ilk"`
	Collateral string `json:"collateral,omitempty"`
	Debt       string `json:"debt,omitempty"`
}

type operationResponse struct {
	OperationID string         `json:"operation_id"`
	Status      domain.TxState `json:"status"`
	Cdp         *domain.CdpRef `json:"cdp,omitempty"`
}

// OpenCdp opens a CDP. Without collateral or debt it submits a plain open;
// otherwise open, lock and draw in one action. The response carries the
// operation id; with ?wait=true it blocks until the operation settles.
// POST /api/cdps
func (h *CdpHandler) OpenCdp(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Ilk == "" {
		writeError(w, http.StatusBadRequest, "ilk is required")
		return
	}
	t, err := h.types.CdpType(req.Ilk)
	if err != nil {
		writeFailure(w, r, h.logger, "open cdp", err)
		return
	}
	var collateral, debt domain.Amount
	if req.Collateral != "" {
		if collateral, err = domain.ParseAmount(t.Currency, req.Collateral); err != nil {
			writeError(w, http.StatusBadRequest, "collateral: "+err.Error())
			return
		}
	}
	if req.Debt != "" {
		if debt, err = domain.ParseAmount(domain.DAI, req.Debt); err != nil {
			writeError(w, http.StatusBadRequest, "debt: "+err.Error())
			return
		}
	}

	var f *txmgr.Future[*cdp.Cdp]
	event := "cdp.open"
	if collateral.IsOmitted() && debt.IsOmitted() {
		f = h.positions.Open(r.Context(), req.Ilk)
	} else {
		event = "cdp.open_lock_draw"
		f = h.positions.OpenLockAndDraw(r.Context(), req.Ilk, collateral, debt)
	}
	h.record(r.Context(), event, map[string]any{
		"operation_id": f.ID(),
		"ilk":          req.Ilk,
		"collateral":   req.Collateral,
		"debt":         req.Debt,
	})
	h.respond(w, r, f, "open cdp", http.StatusCreated)
}

type freeRequest struct {
	Amount string `json:"amount"`
}

// FreeCollateral withdraws collateral from a CDP owned by the serving
// account's proxy.
// POST /api/cdps/{id}/free
func (h *CdpHandler) FreeCollateral(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req freeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount == "" {
		writeError(w, http.StatusBadRequest, "amount is required")
		return
	}
	c, err := h.positions.GetCdp(r.Context(), id)
	if err != nil {
		writeFailure(w, r, h.logger, "free collateral", err)
		return
	}
	amount, err := domain.ParseAmount(c.Type.Currency, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	f := c.FreeCollateral(r.Context(), amount)
	h.record(r.Context(), "cdp.free", map[string]any{
		"operation_id": f.ID(),
		"cdp":          id,
		"amount":       amount.String(),
	})
	h.respond(w, r, f, "free collateral", http.StatusOK)
}

// Reset drops the position index so CDPs opened since the last query show
// up. The serving account's cached history is invalidated with it.
// POST /api/reset
func (h *CdpHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.positions.Reset()
	if h.history != nil {
		if proxy, err := h.proxies.Current(r.Context()); err == nil && proxy != (common.Address{}) {
			if err := h.history.Invalidate(r.Context(), proxy.Hex()); err != nil {
				h.logger.WarnContext(r.Context(), "handler: history invalidate failed", slog.String("error", err.Error()))
			}
		}
	}
	h.record(r.Context(), "cdp.reset", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// respond writes 202 with the operation id, or waits for the operation when
// the caller asked to.
func (h *CdpHandler) respond(w http.ResponseWriter, r *http.Request, f *txmgr.Future[*cdp.Cdp], action string, okStatus int) {
	if !wantsWait(r) {
		writeJSON(w, http.StatusAccepted, operationResponse{OperationID: f.ID(), Status: domain.TxPending})
		return
	}
	c, err := f.Await(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusAccepted, operationResponse{OperationID: f.ID(), Status: domain.TxPending})
			return
		}
		writeFailure(w, r, h.logger, action, err)
		return
	}
	writeJSON(w, okStatus, operationResponse{
		OperationID: f.ID(),
		Status:      domain.TxMined,
		Cdp:         &domain.CdpRef{ID: c.ID, Ilk: c.Ilk},
	})
}

func (h *CdpHandler) record(ctx context.Context, event string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(ctx, event, detail); err != nil {
		h.logger.WarnContext(ctx, "handler: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
