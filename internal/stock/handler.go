package stock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stockroom-erp/stockroom/internal/location"
	"github.com/stockroom-erp/stockroom/internal/platform/db"
	"github.com/stockroom-erp/stockroom/internal/platform/httpx"
	"github.com/stockroom-erp/stockroom/internal/product"
	"github.com/stockroom-erp/stockroom/internal/shared"
)

// Enqueuer schedules background maintenance work.
type Enqueuer interface {
	EnqueueRebuild(ctx context.Context, scope RebuildScope) error
}

// Handler wires HTTP endpoints for the ledger and projection.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	enqueue  Enqueuer
	validate *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service, enqueue Enqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueue: enqueue, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handleAppend)
	r.Post("/movements/batch", h.handleAppendBatch)
	r.Get("/movements", h.handleListMovements)
	r.Get("/movements/{id}", h.handleGetMovement)
	r.Get("/levels", h.handleGetStock)
	r.Get("/warehouses/{warehouseID}/total", h.handleWarehouseStock)
	r.Post("/rebuild", h.handleRebuild)
}

type appendRequest struct {
	MovementID          string             `json:"movement_id,omitempty" validate:"omitempty,uuid4"`
	Product             product.Ref        `json:"product" validate:"required"`
	Quantity            int64              `json:"quantity" validate:"required,gt=0"`
	Source              location.Reference `json:"source" validate:"required"`
	Destination         location.Reference `json:"destination" validate:"required"`
	SourceSnapshot      json.RawMessage    `json:"source_snapshot,omitempty"`
	DestinationSnapshot json.RawMessage    `json:"destination_snapshot,omitempty"`
	ProcessID           string             `json:"process_id,omitempty" validate:"omitempty,uuid4"`
	Batches             []BatchAllocation  `json:"batches,omitempty" validate:"dive"`
}

type movementResponse struct {
	Movement
	Source      location.Reference `json:"source"`
	Destination location.Reference `json:"destination"`
}

func newMovementResponse(m Movement) movementResponse {
	return movementResponse{
		Movement:    m,
		Source:      location.ReferenceFor(m.Source),
		Destination: location.ReferenceFor(m.Destination),
	}
}

func (h *Handler) toInput(req appendRequest, actorID int64) (AppendInput, error) {
	input := AppendInput{
		Product:             req.Product,
		Quantity:            req.Quantity,
		Source:              req.Source,
		Destination:         req.Destination,
		SourceSnapshot:      req.SourceSnapshot,
		DestinationSnapshot: req.DestinationSnapshot,
		ActorID:             actorID,
		Batches:             req.Batches,
	}
	if req.MovementID != "" {
		id, err := uuid.Parse(req.MovementID)
		if err != nil {
			return AppendInput{}, err
		}
		input.MovementID = id
	}
	if req.ProcessID != "" {
		id, err := uuid.Parse(req.ProcessID)
		if err != nil {
			return AppendInput{}, err
		}
		input.ProcessID = &id
	}
	return input, nil
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input, err := h.toInput(req, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	movement, err := h.service.AppendMovement(r.Context(), input)
	if err != nil {
		h.respondError(w, "append movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newMovementResponse(movement))
}

func (h *Handler) handleAppendBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Movements []appendRequest `json:"movements" validate:"required,min=1,dive"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID := shared.ActorFromContext(r.Context())
	inputs := make([]AppendInput, 0, len(req.Movements))
	for _, m := range req.Movements {
		input, err := h.toInput(m, actorID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		inputs = append(inputs, input)
	}
	movements, err := h.service.AppendMovementBatch(r.Context(), inputs)
	if err != nil {
		h.respondError(w, "append movement batch", err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, newMovementResponse(m))
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"movements": out})
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id required")
		return
	}
	filter := MovementFilter{ProductID: productID}
	if v := q.Get("location"); v != "" {
		loc, err := location.ParseKey(v)
		if err != nil {
			h.respondError(w, "parse location", err)
			return
		}
		filter.Location = &loc
	}
	if v := q.Get("from"); v != "" {
		if filter.From, err = time.Parse(time.RFC3339, v); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be RFC3339")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if filter.To, err = time.Parse(time.RFC3339, v); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be RFC3339")
			return
		}
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	movements, pagination, err := h.service.GetMovements(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list movements", err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, newMovementResponse(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out, "pagination": pagination})
}

func (h *Handler) handleGetMovement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "movement id must be a UUID")
		return
	}
	movement, err := h.service.GetMovement(r.Context(), id)
	if err != nil {
		h.respondError(w, "get movement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newMovementResponse(movement))
}

func (h *Handler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id required")
		return
	}
	loc, err := location.ParseKey(q.Get("location"))
	if err != nil {
		h.respondError(w, "parse location", err)
		return
	}
	qty, err := h.service.GetStock(r.Context(), productID, loc)
	if err != nil {
		h.respondError(w, "get stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id": productID,
		"location":   loc.Key(),
		"quantity":   qty,
	})
}

func (h *Handler) handleWarehouseStock(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	if err != nil || warehouseID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "warehouse id required")
		return
	}
	productID, err := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id required")
		return
	}
	qty, err := h.service.GetWarehouseStock(r.Context(), productID, warehouseID)
	if err != nil {
		h.respondError(w, "get warehouse stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id":   productID,
		"warehouse_id": warehouseID,
		"quantity":     qty,
	})
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if h.enqueue == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Rebuild Unavailable", "no job queue configured")
		return
	}
	var req struct {
		ProductID int64 `json:"product_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
			return
		}
	}
	if err := h.enqueue.EnqueueRebuild(r.Context(), RebuildScope{ProductID: req.ProductID}); err != nil {
		h.respondError(w, "enqueue rebuild", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, location.ErrInvalidReference):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Location Reference", err.Error())
	case errors.Is(err, product.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Product Not Found", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidSnapshot):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrPayloadMismatch):
		httpx.Problem(w, http.StatusConflict, "Movement Conflict", err.Error())
	case errors.Is(err, ErrBatchQuantityExceeded):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Batch Quantity Exceeded", err.Error())
	case errors.Is(err, ErrMovementNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, db.ErrTransientConflict), errors.Is(err, ErrRebuildInProgress):
		httpx.Problem(w, http.StatusConflict, "Transient Conflict", "write contention, retry with backoff")
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
