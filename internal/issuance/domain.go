// Package issuance issues physical stock against work order material lines.
// Allocation is greedy over locked stock rows and deducts quantity
// immediately; there is no reserve/commit phase.
package issuance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/shared"
)

// IssueStatus is derived from line sums, never stored with a stale value.
type IssueStatus string

const (
	StatusPrepared        IssueStatus = "prepared"
	StatusPartiallyIssued IssueStatus = "partially_issued"
	StatusIssued          IssueStatus = "issued"
)

// MaterialIssueOrder mirrors a work order's material lines. At most one
// exists per work order.
type MaterialIssueOrder struct {
	ID          int64               `json:"id"`
	OrderNo     string              `json:"orderNo"`
	WorkOrderID int64               `json:"workOrderId"`
	WarehouseID *int64              `json:"warehouseId"`
	Status      IssueStatus         `json:"status"`
	Items       []MaterialIssueItem `json:"items"`
	CreatedBy   int64               `json:"createdBy"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// MaterialIssueItem tracks one material line. Issued + Pending always equals
// Required.
type MaterialIssueItem struct {
	ID           int64           `json:"id"`
	OrderID      int64           `json:"orderId"`
	WOMaterialID int64           `json:"woMaterialId"`
	MaterialID   int64           `json:"materialId"`
	UnitID       int64           `json:"unitId"`
	Required     decimal.Decimal `json:"requiredQuantity"`
	Issued       decimal.Decimal `json:"issuedQuantity"`
	Pending      decimal.Decimal `json:"pendingQuantity"`
	WarehouseID  *int64          `json:"warehouseId"`
}

// Outstanding is the quantity still to issue, floored at zero.
func (i MaterialIssueItem) Outstanding() decimal.Decimal {
	out := i.Required.Sub(i.Issued)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// DeriveStatus recomputes the order status from its line sums.
func DeriveStatus(items []MaterialIssueItem) IssueStatus {
	if len(items) == 0 {
		return StatusPrepared
	}
	required := decimal.Zero
	issued := decimal.Zero
	for _, it := range items {
		required = required.Add(it.Required)
		issued = issued.Add(it.Issued)
	}
	switch {
	case issued.GreaterThanOrEqual(required):
		return StatusIssued
	case issued.IsPositive():
		return StatusPartiallyIssued
	default:
		return StatusPrepared
	}
}

var (
	// ErrNoMaterialLines indicates the work order has nothing to issue.
	ErrNoMaterialLines = fmt.Errorf("%w: work order has no material lines", shared.ErrConflict)
	// ErrInvalidQuantity rejects non-positive issue requests.
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be positive", shared.ErrConflict)
)
