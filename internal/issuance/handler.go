package issuance

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/observability"
	"github.com/forge-mes/forge-mes/internal/platform/httpx"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// Handler exposes the material issuance endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	metrics  *observability.Metrics
}

// NewHandler builds the issuance handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, validate: validate, metrics: metrics}
}

// MountRoutes registers the issuance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/work-orders/{id}/material-issues", h.getForWorkOrder)
	r.Post("/work-orders/{id}/material-issues", h.createForWorkOrder)
	r.Post("/work-orders/{id}/material-issues/issue-all", h.issueAll)
	r.Route("/material-issues", func(r chi.Router) {
		r.Get("/{id}", h.get)
		r.Post("/{id}/items/{itemID}/issue", h.issueItem)
	})
}

func (h *Handler) createForWorkOrder(w http.ResponseWriter, r *http.Request) {
	woID, err := param(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	order, err := h.service.CreateForWorkOrder(r.Context(), woID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Error("create material issue", slog.Any("error", err), slog.Int64("wo_id", woID))
		httpx.RespondError(w, err)
		return
	}
	h.metrics.ObserveDocument("material_issue")
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) getForWorkOrder(w http.ResponseWriter, r *http.Request) {
	woID, err := param(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	order, err := h.service.GetByWorkOrder(r.Context(), woID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) issueAll(w http.ResponseWriter, r *http.Request) {
	woID, err := param(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	order, err := h.service.IssueAll(r.Context(), woID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Error("issue all", slog.Any("error", err), slog.Int64("wo_id", woID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type issueItemRequest struct {
	Quantity decimal.Decimal `json:"quantity" validate:"required"`
}

func (h *Handler) issueItem(w http.ResponseWriter, r *http.Request) {
	orderID, err := param(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	itemID, err := param(r, "itemID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req issueItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.IssueItem(r.Context(), orderID, itemID, req.Quantity, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func param(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
