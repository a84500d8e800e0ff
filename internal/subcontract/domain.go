// Package subcontract manages outsourced-operation orders and their receipts:
// batch generation from work orders grouped per supplier, the order and
// receipt state machines, and cumulative receipt reconciliation.
package subcontract

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/shared"
)

// OrderStatus enumerates the subcontract order lifecycle.
type OrderStatus string

const (
	OrderStatusDraft      OrderStatus = "draft"
	OrderStatusReleased   OrderStatus = "released"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusReceived   OrderStatus = "received"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var orderTransitions = shared.Transitions[OrderStatus]{
	OrderStatusDraft:      {OrderStatusReleased, OrderStatusCancelled},
	OrderStatusReleased:   {OrderStatusInProgress, OrderStatusCancelled},
	OrderStatusInProgress: {OrderStatusReceived, OrderStatusCancelled},
	OrderStatusReceived:   {OrderStatusCompleted},
}

// ItemStatus tracks reconciliation progress of one order item.
type ItemStatus string

const (
	ItemStatusPending           ItemStatus = "pending"
	ItemStatusPartiallyReceived ItemStatus = "partially_received"
	ItemStatusReceived          ItemStatus = "received"
	ItemStatusCancelled         ItemStatus = "cancelled"
)

// ReceiptStatus enumerates the receipt lifecycle. Posted is terminal.
type ReceiptStatus string

const (
	ReceiptStatusDraft     ReceiptStatus = "draft"
	ReceiptStatusConfirmed ReceiptStatus = "confirmed"
	ReceiptStatusPosted    ReceiptStatus = "posted"
)

var receiptTransitions = shared.Transitions[ReceiptStatus]{
	ReceiptStatusDraft:     {ReceiptStatusConfirmed},
	ReceiptStatusConfirmed: {ReceiptStatusPosted},
}

// Order is a supplier-scoped subcontract order. TotalAmount is recomputed
// from the item rows after every insert, never accumulated in memory.
type Order struct {
	ID          int64           `json:"id"`
	OrderNo     string          `json:"orderNo"`
	SupplierID  int64           `json:"supplierId"`
	Status      OrderStatus     `json:"status"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Remark      string          `json:"remark"`
	Items       []OrderItem     `json:"items"`
	CreatedBy   int64           `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// OrderItem binds one work order's outsourced step to the order. At most one
// subcontract item exists per work order.
type OrderItem struct {
	ID            int64           `json:"id"`
	OrderID       int64           `json:"orderId"`
	WorkOrderID   int64           `json:"workOrderId"`
	RoutingStepID int64           `json:"routingStepId"`
	OperationID   int64           `json:"operationId"`
	ProductID     int64           `json:"productId"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Received      decimal.Decimal `json:"receivedQuantity"`
	Status        ItemStatus      `json:"status"`
}

// Receipt records goods received back from a supplier against order items.
type Receipt struct {
	ID        int64         `json:"id"`
	ReceiptNo string        `json:"receiptNo"`
	OrderID   int64         `json:"orderId"`
	Status    ReceiptStatus `json:"status"`
	Remark    string        `json:"remark"`
	Items     []ReceiptItem `json:"items"`
	CreatedBy int64         `json:"createdBy"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// ReceiptItem references an order item; it does not own it.
type ReceiptItem struct {
	ID          int64           `json:"id"`
	ReceiptID   int64           `json:"receiptId"`
	OrderItemID int64           `json:"orderItemId"`
	Quantity    decimal.Decimal `json:"receivedQuantity"`
}

var (
	// ErrOrderNotDeletable guards removal of non-draft orders.
	ErrOrderNotDeletable = fmt.Errorf("%w: only draft subcontract orders can be deleted", shared.ErrConflict)
	// ErrReceiptExceedsOrdered rejects receipts whose cumulative received
	// quantity would exceed an item's ordered quantity.
	ErrReceiptExceedsOrdered = fmt.Errorf("%w: cumulative received quantity exceeds ordered quantity", shared.ErrConflict)
	// ErrNoEligibleWorkOrders indicates every requested WO already carries a
	// subcontract item or the set was empty.
	ErrNoEligibleWorkOrders = fmt.Errorf("%w: no work orders eligible for subcontract generation", shared.ErrConflict)
	// ErrInvalidQuantity rejects non-positive quantities.
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be positive", shared.ErrConflict)
	// ErrNoRoutingSteps indicates a WO's routing has no steps to subcontract.
	ErrNoRoutingSteps = fmt.Errorf("%w: work order routing has no steps", shared.ErrConflict)
	// ErrWorkOrderAlreadySubcontracted reports a concurrent or repeated
	// attempt to add a second active item for the same work order. A re-run
	// of the generation skips the work order and succeeds.
	ErrWorkOrderAlreadySubcontracted = fmt.Errorf("%w: work order already subcontracted", shared.ErrConflict)
)
