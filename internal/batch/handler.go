package batch

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stockroom-erp/stockroom/internal/platform/httpx"
)

// Handler wires batch HTTP endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the batch handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers batch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/batches", h.handleResolve)
	r.Get("/batches/{id}", h.handleGet)
	r.Get("/batches/{id}/stock", h.handleStock)
	r.Get("/products/{id}/batches", h.handleList)
}

type resolveRequest struct {
	ProductID  int64   `json:"product_id" validate:"required,gt=0"`
	Number     *string `json:"number,omitempty"`
	BestBefore *string `json:"best_before,omitempty"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ResolveInput{ProductID: req.ProductID, Number: req.Number}
	if req.BestBefore != nil {
		bbd, err := time.Parse("2006-01-02", *req.BestBefore)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "best_before must be YYYY-MM-DD")
			return
		}
		input.BestBefore = &bbd
	}
	b, err := h.service.Resolve(r.Context(), input)
	if err != nil {
		h.respondError(w, "resolve batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be an integer")
		return
	}
	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be an integer")
		return
	}
	stock, err := h.service.StockByLocation(r.Context(), id)
	if err != nil {
		h.respondError(w, "batch stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batch_id": id, "stock": stock})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be an integer")
		return
	}
	batches, err := h.service.ListForProduct(r.Context(), productID)
	if err != nil {
		h.respondError(w, "list batches", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNoIdentity):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Batch Identity", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
	}
}
