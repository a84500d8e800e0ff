// Package masterdata exposes read access to the master records the planning
// core consumes: products, BOMs, routings, warehouses, stock and suppliers.
// Maintenance of these records belongs to the surrounding ERP surface.
package masterdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the minimal product projection used by planning.
type Product struct {
	ID           int64
	Code         string
	Name         string
	UnitID       int64
	DefaultBOMID *int64
}

// BOM is a bill of materials header with its lines attached.
type BOM struct {
	ID           int64
	ProductID    int64
	BaseQuantity decimal.Decimal
	RoutingID    *int64
	IsActive     bool
	Lines        []BOMLine
}

// BOMLine is one component requirement per BaseQuantity of output. ChildBOMID
// set means the component is a sub-assembly produced from its own BOM.
type BOMLine struct {
	ID          int64
	BOMID       int64
	MaterialID  int64
	UnitID      int64
	Quantity    decimal.Decimal
	ChildBOMID  *int64
	WarehouseID *int64
}

// RoutingStep is one ordered operation of a routing, joined with its
// workcenter classification and operation wage rate.
type RoutingStep struct {
	ID             int64
	RoutingID      int64
	Sequence       int
	OperationID    int64
	WorkcenterID   int64
	WorkcenterType string
	WageRate       decimal.Decimal
}

// StockRecord is one physical stock row (per material, warehouse, variant,
// lot). Available quantity is Quantity minus Reserved, floored at zero.
type StockRecord struct {
	ID          int64
	MaterialID  int64
	WarehouseID int64
	VariantID   *int64
	LotNo       string
	Quantity    decimal.Decimal
	Reserved    decimal.Decimal
	ReceivedAt  time.Time
}

// Available returns the issuable quantity of the record.
func (s StockRecord) Available() decimal.Decimal {
	avail := s.Quantity.Sub(s.Reserved)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// Warehouse is a stock location.
type Warehouse struct {
	ID   int64
	Code string
	Name string
}

// Supplier is an external party performing outsourced operations.
type Supplier struct {
	ID   int64
	Code string
	Name string
}

// SalesOrderLine is the demand projection planning reads from sales orders.
type SalesOrderLine struct {
	ID           int64
	SalesOrderID int64
	ProductID    int64
	Quantity     decimal.Decimal
	WarehouseID  *int64
	DueDate      *time.Time
}
