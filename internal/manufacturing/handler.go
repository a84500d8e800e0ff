package manufacturing

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/forge-mes/forge-mes/internal/observability"
	"github.com/forge-mes/forge-mes/internal/platform/httpx"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// Handler exposes the manufacturing order and work order endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	metrics  *observability.Metrics
}

// NewHandler builds the manufacturing handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, validate: validate, metrics: metrics}
}

// MountRoutes registers the manufacturing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/manufacturing-orders", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/generate", h.createFromPlan)
		r.Get("/{id}", h.get)
		r.Post("/{id}/confirm", h.confirm)
		r.Post("/{id}/cancel", h.cancel)
		r.Delete("/{id}", h.delete)
		r.Get("/{id}/work-orders", h.listWorkOrders)
		r.Post("/{id}/work-orders", h.generateWorkOrders)
	})
	// Registered flat so the issuance handler can hang its own routes off the
	// same /work-orders/{id} prefix.
	r.Get("/work-orders/{id}", h.getWorkOrder)
	r.Post("/work-orders/{id}/status", h.updateWorkOrderStatus)
	r.Delete("/work-orders/{id}", h.deleteWorkOrder)
}

type createFromPlanRequest struct {
	PlanID      int64      `json:"planId" validate:"required"`
	WarehouseID *int64     `json:"warehouseId"`
	PlannedDate *time.Time `json:"plannedDate"`
	DueDate     *time.Time `json:"dueDate"`
}

func (h *Handler) createFromPlan(w http.ResponseWriter, r *http.Request) {
	var req createFromPlanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	mos, err := h.service.CreateFromPlan(r.Context(), CreateFromPlanInput{
		PlanID:      req.PlanID,
		WarehouseID: req.WarehouseID,
		PlannedDate: req.PlannedDate,
		DueDate:     req.DueDate,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.logger.Error("generate manufacturing orders", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	for range mos {
		h.metrics.ObserveDocument("manufacturing_order")
	}
	httpx.JSON(w, http.StatusCreated, mos)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("pageSize"))

	f := MOFilter{Pagination: shared.NewPagination(page, perPage, 0)}
	if raw := q.Get("planId"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			f.PlanID = &id
		}
	}
	if raw := q.Get("productId"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			f.ProductID = &id
		}
	}
	if raw := q.Get("status"); raw != "" {
		status := MOStatus(raw)
		f.Status = &status
	}

	mos, total, err := h.service.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list manufacturing orders", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, shared.NewPage(mos, shared.NewPagination(f.Pagination.Page, f.Pagination.PerPage, total)))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	mo, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mo)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	mo, err := h.service.Confirm(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mo)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	mo, err := h.service.Cancel(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mo)
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

func (h *Handler) generateWorkOrders(w http.ResponseWriter, r *http.Request) {
	moID, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var input GenerateWOInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	wo, err := h.service.GenerateWorkOrders(r.Context(), moID, input)
	if err != nil {
		h.logger.Error("generate work orders", slog.Any("error", err), slog.Int64("mo_id", moID))
		httpx.RespondError(w, err)
		return
	}
	h.metrics.ObserveDocument("work_order")
	httpx.JSON(w, http.StatusCreated, wo)
}

func (h *Handler) listWorkOrders(w http.ResponseWriter, r *http.Request) {
	moID, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	wos, err := h.service.ListWorkOrders(r.Context(), moID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wos)
}

func (h *Handler) getWorkOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	wo, err := h.service.GetWorkOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wo)
}

type woStatusRequest struct {
	Status WOStatus `json:"status" validate:"required"`
}

func (h *Handler) updateWorkOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req woStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	wo, err := h.service.UpdateWorkOrderStatus(r.Context(), id, req.Status, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wo)
}

func (h *Handler) deleteWorkOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.DeleteWorkOrder(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
