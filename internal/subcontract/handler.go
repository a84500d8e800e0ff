package subcontract

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/forge-mes/forge-mes/internal/observability"
	"github.com/forge-mes/forge-mes/internal/platform/httpx"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// Handler exposes the subcontract order and receipt endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	metrics  *observability.Metrics
}

// NewHandler builds the subcontract handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, validate: validate, metrics: metrics}
}

// MountRoutes registers the subcontract routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/subcontract-orders", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Post("/generate", h.generate)
		r.Get("/{id}", h.get)
		r.Post("/{id}/status", h.updateStatus)
		r.Delete("/{id}", h.delete)
	})
	r.Route("/subcontract-receipts", func(r chi.Router) {
		r.Post("/", h.createReceipt)
		r.Get("/{id}", h.getReceipt)
		r.Post("/{id}/status", h.updateReceiptStatus)
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var input CreateOrderInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	order, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		h.logger.Error("create subcontract order", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.metrics.ObserveDocument("subcontract_order")
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var input GenerateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	orders, err := h.service.GenerateByWorkOrders(r.Context(), input)
	if err != nil {
		h.logger.Error("generate subcontract orders", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	for range orders {
		h.metrics.ObserveDocument("subcontract_order")
	}
	httpx.JSON(w, http.StatusCreated, orders)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("pageSize"))

	f := OrderFilter{Pagination: shared.NewPagination(page, perPage, 0)}
	if raw := q.Get("supplierId"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			f.SupplierID = &id
		}
	}
	if raw := q.Get("status"); raw != "" {
		status := OrderStatus(raw)
		f.Status = &status
	}

	orders, total, err := h.service.ListOrders(r.Context(), f)
	if err != nil {
		h.logger.Error("list subcontract orders", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, shared.NewPage(orders, shared.NewPagination(f.Pagination.Page, f.Pagination.PerPage, total)))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type orderStatusRequest struct {
	Status OrderStatus `json:"status" validate:"required"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req orderStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.UpdateOrderStatus(r.Context(), id, req.Status, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.DeleteOrder(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createReceipt(w http.ResponseWriter, r *http.Request) {
	var input CreateReceiptInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	receipt, err := h.service.CreateReceipt(r.Context(), input)
	if err != nil {
		h.logger.Error("create subcontract receipt", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.metrics.ObserveDocument("subcontract_receipt")
	httpx.JSON(w, http.StatusCreated, receipt)
}

func (h *Handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	receipt, err := h.service.GetReceipt(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

type receiptStatusRequest struct {
	Status ReceiptStatus `json:"status" validate:"required"`
}

func (h *Handler) updateReceiptStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req receiptStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	receipt, err := h.service.UpdateReceiptStatus(r.Context(), id, req.Status, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
