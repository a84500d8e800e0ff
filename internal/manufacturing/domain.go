// Package manufacturing owns manufacturing orders and their work orders:
// generation from confirmed production plans, the status state machines,
// work-order scheduling against routings and per-material requirement lines.
package manufacturing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/shared"
)

// MOStatus enumerates the manufacturing order lifecycle.
type MOStatus string

const (
	MOStatusDraft      MOStatus = "draft"
	MOStatusConfirmed  MOStatus = "confirmed"
	MOStatusCancelled  MOStatus = "cancelled"
	MOStatusInProgress MOStatus = "in_progress"
	MOStatusCompleted  MOStatus = "completed"
)

// moTransitions lists the edges callers may request directly. in_progress and
// completed are derived from work-order activity, not requested.
var moTransitions = shared.Transitions[MOStatus]{
	MOStatusDraft:     {MOStatusConfirmed, MOStatusCancelled},
	MOStatusConfirmed: {MOStatusCancelled},
}

// WOStatus enumerates the work order lifecycle.
type WOStatus string

const (
	WOStatusDraft      WOStatus = "draft"
	WOStatusScheduled  WOStatus = "scheduled"
	WOStatusInProgress WOStatus = "in_progress"
	WOStatusPaused     WOStatus = "paused"
	WOStatusCompleted  WOStatus = "completed"
	WOStatusCancelled  WOStatus = "cancelled"
)

var woTransitions = shared.Transitions[WOStatus]{
	WOStatusDraft:      {WOStatusScheduled, WOStatusInProgress, WOStatusCancelled},
	WOStatusScheduled:  {WOStatusInProgress, WOStatusCancelled},
	WOStatusInProgress: {WOStatusPaused, WOStatusCompleted, WOStatusCancelled},
	WOStatusPaused:     {WOStatusInProgress, WOStatusCancelled},
}

// SourceTypeSalesOrder marks MOs generated from sales-order driven plans.
const SourceTypeSalesOrder = "sales_order"

// ManufacturingOrder commits to producing a quantity of a product.
type ManufacturingOrder struct {
	ID          int64           `json:"id"`
	OrderNo     string          `json:"orderNo"`
	SourceType  string          `json:"sourceType"`
	SourceRefID int64           `json:"sourceRefId"`
	PlanID      *int64          `json:"planId"`
	ProductID   int64           `json:"productId"`
	BOMID       *int64          `json:"bomId"`
	RoutingID   *int64          `json:"routingId"`
	Quantity    decimal.Decimal `json:"quantity"`
	WarehouseID *int64          `json:"warehouseId"`
	PlannedDate *time.Time      `json:"plannedDate"`
	DueDate     *time.Time      `json:"dueDate"`
	Status      MOStatus        `json:"status"`
	ParentMOID  *int64          `json:"parentMoId"`
	CreatedBy   int64           `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// WorkOrder is an executable unit of production covering a contiguous range
// of routing steps of its MO. Routing steps are recorded as an ordered list
// linked to the WO, one WO may span the entire routing.
type WorkOrder struct {
	ID                  int64               `json:"id"`
	OrderNo             string              `json:"orderNo"`
	MOID                int64               `json:"moId"`
	OperationID         *int64              `json:"operationId"`
	SequenceStart       int                 `json:"sequenceStart"`
	SequenceEnd         int                 `json:"sequenceEnd"`
	BatchNo             string              `json:"batchNo"`
	Quantity            decimal.Decimal     `json:"quantity"`
	IssueWarehouseID    *int64              `json:"issueWarehouseId"`
	FinishedWarehouseID *int64              `json:"finishedWarehouseId"`
	PlannedStart        *time.Time          `json:"plannedStart"`
	PlannedEnd          *time.Time          `json:"plannedEnd"`
	Status              WOStatus            `json:"status"`
	StepIDs             []int64             `json:"stepIds"`
	Materials           []WorkOrderMaterial `json:"materials"`
	CreatedBy           int64               `json:"createdBy"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// WorkOrderMaterial is one material requirement line of a WO.
type WorkOrderMaterial struct {
	ID          int64           `json:"id"`
	WorkOrderID int64           `json:"workOrderId"`
	MaterialID  int64           `json:"materialId"`
	UnitID      int64           `json:"unitId"`
	Quantity    decimal.Decimal `json:"quantity"`
	WarehouseID *int64          `json:"warehouseId"`
	IsIssued    bool            `json:"isIssued"`
}

var (
	// ErrMONotDeletable guards removal of advanced MOs.
	ErrMONotDeletable = fmt.Errorf("%w: only draft manufacturing orders can be deleted", shared.ErrConflict)
	// ErrWONotDeletable guards removal of active WOs.
	ErrWONotDeletable = fmt.Errorf("%w: only draft or cancelled work orders can be deleted", shared.ErrConflict)
	// ErrQuantityExceedsRemaining rejects WO quantities above the MO remainder.
	ErrQuantityExceedsRemaining = fmt.Errorf("%w: requested quantity exceeds remaining manufacturing quantity", shared.ErrConflict)
	// ErrInvalidQuantity rejects non-positive quantities.
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be positive", shared.ErrConflict)
	// ErrNoRouting indicates the MO has no routing to derive work orders from.
	ErrNoRouting = fmt.Errorf("%w: manufacturing order has no routing", shared.ErrConflict)
	// ErrUnknownStep indicates a requested routing step does not belong to the routing.
	ErrUnknownStep = fmt.Errorf("%w: routing step not part of the order routing", shared.ErrConflict)
	// ErrMONotActive guards WO generation on draft or finished MOs.
	ErrMONotActive = fmt.Errorf("%w: manufacturing order must be confirmed or in progress", shared.ErrConflict)
)
