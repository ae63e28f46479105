package valuation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockroom-erp/stockroom/internal/platform/httpx"
	"github.com/stockroom-erp/stockroom/internal/shared"
)

// Handler wires valuation HTTP endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the valuation handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers valuation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/valuations", h.handleGenerate)
	r.Post("/valuations/preview", h.handlePreview)
	r.Get("/valuations/{id}", h.handleGet)
	r.Get("/valuations/{id}/export", h.handleExport)
}

type generateRequest struct {
	WarehouseID      *int64  `json:"warehouse_id,omitempty" validate:"omitempty,gt=0"`
	ConsumptionOrder string  `json:"consumption_order,omitempty"`
	SurplusPrice     *string `json:"surplus_price,omitempty"`
}

func (h *Handler) toInput(r *http.Request, req generateRequest) (GenerateInput, error) {
	order, err := ParseConsumptionOrder(req.ConsumptionOrder)
	if err != nil {
		return GenerateInput{}, err
	}
	input := GenerateInput{
		WarehouseID:      req.WarehouseID,
		ConsumptionOrder: order,
		ActorID:          shared.ActorFromContext(r.Context()),
	}
	if req.SurplusPrice != nil {
		price, err := decimal.NewFromString(*req.SurplusPrice)
		if err != nil {
			return GenerateInput{}, err
		}
		input.SurplusPrice = &price
	}
	return input, nil
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, h.service.Generate)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, h.service.Preview)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, input GenerateInput) (Report, error)) {
	var req generateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input, err := h.toInput(r, req)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	report, err := run(r.Context(), input)
	if err != nil {
		h.respondError(w, "generate valuation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, report)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
		return
	}
	report, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get valuation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
		return
	}
	report, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "export valuation", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="valuation-`+id.String()+`.csv"`)
	if err := WriteCSV(w, report); err != nil {
		h.logger.Error("export valuation", slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrSurplusPriceRequired):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Surplus Price Required", err.Error())
	case errors.Is(err, ErrUnknownConsumptionOrder):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
	}
}
