package planning

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/forge-mes/forge-mes/internal/observability"
	"github.com/forge-mes/forge-mes/internal/platform/httpx"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// Handler exposes the production planning endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	metrics  *observability.Metrics
}

// NewHandler builds the planning handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, validate: validate, metrics: metrics}
}

// MountRoutes registers the planning routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/production-plans", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Post("/preview", h.preview)
		r.Get("/{id}", h.get)
		r.Post("/{id}/confirm", h.confirm)
		r.Post("/{id}/cancel", h.cancel)
		r.Post("/{id}/complete", h.complete)
		r.Delete("/{id}", h.delete)
	})
}

type previewRequest struct {
	SalesOrderID               int64  `json:"salesOrderId" validate:"required"`
	IncludeChildProducts       bool   `json:"includeChildProducts"`
	ExpandMaterialsRecursively bool   `json:"expandMaterialsRecursively"`
	WarehouseID                *int64 `json:"warehouseId"`
}

func (req previewRequest) options() ExplodeOptions {
	return ExplodeOptions{
		IncludeChildProducts:       req.IncludeChildProducts,
		ExpandMaterialsRecursively: req.ExpandMaterialsRecursively,
		WarehouseID:                req.WarehouseID,
	}
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Preview(r.Context(), req.SalesOrderID, req.options())
	if err != nil {
		h.logger.Error("preview plan", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type createPlanRequest struct {
	previewRequest
	Name string `json:"name"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	plan, err := h.service.Create(r.Context(), CreatePlanInput{
		SalesOrderID: req.SalesOrderID,
		Name:         req.Name,
		Options:      req.options(),
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.logger.Error("create plan", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.metrics.ObserveDocument("production_plan")
	httpx.JSON(w, http.StatusCreated, plan)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("pageSize"))

	f := ListFilter{Pagination: shared.NewPagination(page, perPage, 0)}
	if raw := q.Get("salesOrderId"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			f.SalesOrderID = &id
		}
	}
	if raw := q.Get("status"); raw != "" {
		status := PlanStatus(raw)
		f.Status = &status
	}

	plans, total, err := h.service.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list plans", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, shared.NewPage(plans, shared.NewPagination(f.Pagination.Page, f.Pagination.PerPage, total)))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	plan, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Confirm)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Complete)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actorID int64) (*ProductionPlan, error)) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	plan, err := fn(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.Delete(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
