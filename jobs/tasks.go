// Package jobs wires background tasks: projection rebuilds and scheduled
// valuation reports run out of band through Asynq.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockRebuild replays the ledger into the projection for a scope.
	TaskStockRebuild = "stock:rebuild"
	// TaskValuationReport generates a stock valuation report.
	TaskValuationReport = "valuation:report"
	// TaskStocktakeExpire completes stocktakes left active for too long.
	TaskStocktakeExpire = "stocktake:expire"
)

// StockRebuildPayload scopes a projection rebuild. A zero ProductID rebuilds
// everything.
type StockRebuildPayload struct {
	ProductID int64 `json:"product_id"`
}

// NewStockRebuildTask constructs the rebuild task.
func NewStockRebuildTask(payload StockRebuildPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockRebuild, data), nil
}

// ValuationReportPayload parameterises a scheduled valuation run.
type ValuationReportPayload struct {
	WarehouseID      *int64  `json:"warehouse_id,omitempty"`
	ConsumptionOrder string  `json:"consumption_order,omitempty"`
	SurplusPrice     *string `json:"surplus_price,omitempty"`
}

// NewValuationReportTask constructs the valuation task.
func NewValuationReportTask(payload ValuationReportPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskValuationReport, data), nil
}

// StocktakeExpirePayload sets the age at which an active stocktake expires.
type StocktakeExpirePayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

// NewStocktakeExpireTask constructs the expiry task.
func NewStocktakeExpireTask(payload StocktakeExpirePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStocktakeExpire, data), nil
}
