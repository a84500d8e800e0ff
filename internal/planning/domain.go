// Package planning builds production plans from sales-order demand: it
// explodes BOM trees into net material requirements, nets them against stock
// and owns the production plan lifecycle.
package planning

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/shared"
)

// PlanStatus enumerates the production plan lifecycle.
type PlanStatus string

const (
	PlanStatusDraft     PlanStatus = "draft"
	PlanStatusConfirmed PlanStatus = "confirmed"
	PlanStatusCancelled PlanStatus = "cancelled"
	PlanStatusCompleted PlanStatus = "completed"
)

// planTransitions is the allowed-edge table for plans.
var planTransitions = shared.Transitions[PlanStatus]{
	PlanStatusDraft:     {PlanStatusConfirmed, PlanStatusCancelled},
	PlanStatusConfirmed: {PlanStatusCancelled, PlanStatusCompleted},
}

// PlanSource tags how a product entered the plan.
type PlanSource string

const (
	// SourceBOM marks a product planned directly from sales demand.
	SourceBOM PlanSource = "bom"
	// SourceChildBOM marks a sub-assembly emitted while expanding a parent BOM.
	SourceChildBOM PlanSource = "child_bom"
)

// ProductionPlan is the point-in-time planning snapshot. Products and
// Requirements are frozen at creation; later stock movements do not alter them.
type ProductionPlan struct {
	ID           int64                 `json:"id"`
	PlanNo       string                `json:"planNo"`
	SalesOrderID int64                 `json:"salesOrderId"`
	Name         string                `json:"name"`
	Status       PlanStatus            `json:"status"`
	Products     []PlanProduct         `json:"products"`
	Requirements []MaterialRequirement `json:"materialRequirements"`
	Notes        []string              `json:"notes,omitempty"`
	CreatedBy    int64                 `json:"createdBy"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// PlanProduct is one product to manufacture under the plan.
type PlanProduct struct {
	ID              int64           `json:"id"`
	PlanID          int64           `json:"planId"`
	ProductID       int64           `json:"productId"`
	Quantity        decimal.Decimal `json:"quantity"`
	BOMID           *int64          `json:"bomId"`
	RoutingID       *int64          `json:"routingId"`
	Source          PlanSource      `json:"source"`
	ParentProductID *int64          `json:"parentProductId"`
}

// MaterialRequirement is the netted demand for one material.
type MaterialRequirement struct {
	ID            int64           `json:"id"`
	PlanID        int64           `json:"planId"`
	MaterialID    int64           `json:"materialId"`
	Required      decimal.Decimal `json:"requiredQuantity"`
	Available     decimal.Decimal `json:"availableStock"`
	Shortage      decimal.Decimal `json:"shortageQuantity"`
	WarehouseID   *int64          `json:"warehouseId"`
	NeedOutsource bool            `json:"needOutsource"`
}

// ExplodeOptions controls BOM expansion behaviour.
type ExplodeOptions struct {
	// IncludeChildProducts emits a plan entry per sub-assembly encountered.
	IncludeChildProducts bool `json:"includeChildProducts"`
	// ExpandMaterialsRecursively descends into child BOMs. When false a
	// sub-assembly is treated as a purchasable material itself.
	ExpandMaterialsRecursively bool `json:"expandMaterialsRecursively"`
	// WarehouseID scopes stock netting when set.
	WarehouseID *int64 `json:"warehouseId"`
}

var (
	// ErrBOMCycle indicates a BOM referencing itself transitively.
	ErrBOMCycle = errors.New("planning: bom cycle detected")
	// ErrNoDemand indicates the sales order has no plannable lines.
	ErrNoDemand = fmt.Errorf("%w: sales order has no lines to plan", shared.ErrConflict)
	// ErrPlanNotDraft guards deletion of advanced plans.
	ErrPlanNotDraft = fmt.Errorf("%w: only draft plans can be deleted", shared.ErrConflict)
	// ErrPlanNotConfirmed guards manufacturing-order generation.
	ErrPlanNotConfirmed = fmt.Errorf("%w: plan must be confirmed", shared.ErrConflict)
	// ErrInvalidQuantity indicates a non-positive demand quantity.
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be positive", shared.ErrConflict)
)
