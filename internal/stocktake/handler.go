package stocktake

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stockroom-erp/stockroom/internal/location"
	"github.com/stockroom-erp/stockroom/internal/platform/httpx"
	"github.com/stockroom-erp/stockroom/internal/product"
	"github.com/stockroom-erp/stockroom/internal/shared"
)

// Handler wires stocktaking HTTP endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the stocktake handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stocktake routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/stocktakes", h.handleStart)
	r.Get("/stocktakes/{id}", h.handleGet)
	r.Post("/stocktakes/{id}/counts", h.handleCount)
	r.Post("/stocktakes/{id}/complete", h.handleComplete)
	r.Get("/stocktakes/{id}/summary", h.handleSummary)
	r.Get("/stocktakes/{id}/export", h.handleExport)
}

type startRequest struct {
	WarehouseID int64 `json:"warehouse_id" validate:"required,gt=0"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	st, err := h.service.Start(r.Context(), req.WarehouseID)
	if err != nil {
		h.respondError(w, "start stocktake", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, st)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
		return
	}
	st, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get stocktake", err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

type countRequest struct {
	Product         product.Ref `json:"product" validate:"required"`
	BinLocationID   *int64      `json:"bin_location_id,omitempty" validate:"omitempty,gt=0"`
	CountedQuantity int64       `json:"counted_quantity" validate:"gte=0"`
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
		return
	}
	var req countRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	item, err := h.service.RecordCount(r.Context(), CountInput{
		StocktakeID:      id,
		ProductID:        req.Product.ProductID,
		ProductVersionID: req.Product.VersionID,
		BinLocationID:    req.BinLocationID,
		CountedQuantity:  req.CountedQuantity,
		ActorID:          shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, "record count", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, item)
}

type completeRequest struct {
	ApplyCorrections bool `json:"apply_corrections"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
		return
	}
	var req completeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	summary, err := h.service.Complete(r.Context(), id, req.ApplyCorrections, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, "complete stocktake", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
		return
	}
	summary, err := h.service.Summary(r.Context(), id)
	if err != nil {
		h.respondError(w, "stocktake summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
		return
	}
	summary, err := h.service.Summary(r.Context(), id)
	if err != nil {
		h.respondError(w, "stocktake export", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="stocktake-`+id.String()+`.csv"`)
	if err := WriteCSV(w, summary); err != nil {
		h.logger.Error("stocktake export", slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNotActive):
		httpx.Problem(w, http.StatusConflict, "Stocktake Not Active", err.Error())
	case errors.Is(err, ErrInvalidCount):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Count", err.Error())
	case errors.Is(err, location.ErrInvalidReference), errors.Is(err, product.ErrNotFound):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Correction Rejected", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
	}
}
