package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forge-mes/forge-mes/internal/shared"
)

// Store is the read surface the planning core depends on. Implemented by
// Repository and by in-memory fakes in tests.
type Store interface {
	GetProduct(ctx context.Context, id int64) (*Product, error)
	GetBOM(ctx context.Context, id int64) (*BOM, error)
	GetActiveBOM(ctx context.Context, productID int64) (*BOM, error)
	GetRoutingSteps(ctx context.Context, routingID int64) ([]RoutingStep, error)
	ListStock(ctx context.Context, materialID int64, warehouseID *int64) ([]StockRecord, error)
	GetSupplier(ctx context.Context, id int64) (*Supplier, error)
	ListSalesOrderLines(ctx context.Context, salesOrderID int64) ([]SalesOrderLine, error)
}

// Repository reads master data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (*Product, error) {
	const q = `
		SELECT id, code, name, unit_id, default_bom_id
		FROM products WHERE id = $1`
	var p Product
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Code, &p.Name, &p.UnitID, &p.DefaultBOMID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repository) GetBOM(ctx context.Context, id int64) (*BOM, error) {
	const q = `
		SELECT id, product_id, base_quantity, routing_id, is_active
		FROM boms WHERE id = $1`
	var b BOM
	err := r.pool.QueryRow(ctx, q, id).Scan(&b.ID, &b.ProductID, &b.BaseQuantity, &b.RoutingID, &b.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bom %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	lines, err := r.listBOMLines(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Lines = lines
	return &b, nil
}

// GetActiveBOM resolves the product's default BOM, falling back to the most
// recently created active BOM. shared.ErrNotFound when the product has none.
func (r *Repository) GetActiveBOM(ctx context.Context, productID int64) (*BOM, error) {
	const q = `
		SELECT b.id, b.product_id, b.base_quantity, b.routing_id, b.is_active
		FROM boms b
		LEFT JOIN products p ON p.default_bom_id = b.id AND p.id = b.product_id
		WHERE b.product_id = $1 AND b.is_active
		ORDER BY (p.id IS NOT NULL) DESC, b.id DESC
		LIMIT 1`
	var b BOM
	err := r.pool.QueryRow(ctx, q, productID).Scan(&b.ID, &b.ProductID, &b.BaseQuantity, &b.RoutingID, &b.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active bom for product %d: %w", productID, shared.ErrNotFound)
		}
		return nil, err
	}
	lines, err := r.listBOMLines(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Lines = lines
	return &b, nil
}

func (r *Repository) listBOMLines(ctx context.Context, bomID int64) ([]BOMLine, error) {
	const q = `
		SELECT id, bom_id, material_id, unit_id, quantity, child_bom_id, warehouse_id
		FROM bom_lines WHERE bom_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, q, bomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []BOMLine
	for rows.Next() {
		var l BOMLine
		if err := rows.Scan(&l.ID, &l.BOMID, &l.MaterialID, &l.UnitID, &l.Quantity, &l.ChildBOMID, &l.WarehouseID); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *Repository) GetRoutingSteps(ctx context.Context, routingID int64) ([]RoutingStep, error) {
	const q = `
		SELECT rs.id, rs.routing_id, rs.sequence, rs.operation_id, rs.workcenter_id,
		       wc.type, COALESCE(op.wage_rate, 0)
		FROM routing_steps rs
		JOIN workcenters wc ON wc.id = rs.workcenter_id
		LEFT JOIN operations op ON op.id = rs.operation_id
		WHERE rs.routing_id = $1
		ORDER BY rs.sequence, rs.id`
	rows, err := r.pool.Query(ctx, q, routingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []RoutingStep
	for rows.Next() {
		var s RoutingStep
		if err := rows.Scan(&s.ID, &s.RoutingID, &s.Sequence, &s.OperationID, &s.WorkcenterID, &s.WorkcenterType, &s.WageRate); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ListStock returns stock rows for a material, oldest lot first. warehouseID
// narrows the scope when set; callers handle the empty-subset fallback.
func (r *Repository) ListStock(ctx context.Context, materialID int64, warehouseID *int64) ([]StockRecord, error) {
	q := `
		SELECT id, material_id, warehouse_id, variant_id, lot_no, quantity, reserved_quantity, received_at
		FROM stock_records WHERE material_id = $1`
	args := []any{materialID}
	if warehouseID != nil {
		q += ` AND warehouse_id = $2`
		args = append(args, *warehouseID)
	}
	q += ` ORDER BY received_at, id`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []StockRecord
	for rows.Next() {
		var s StockRecord
		if err := rows.Scan(&s.ID, &s.MaterialID, &s.WarehouseID, &s.VariantID, &s.LotNo, &s.Quantity, &s.Reserved, &s.ReceivedAt); err != nil {
			return nil, err
		}
		records = append(records, s)
	}
	return records, rows.Err()
}

func (r *Repository) GetSupplier(ctx context.Context, id int64) (*Supplier, error) {
	const q = `SELECT id, code, name FROM suppliers WHERE id = $1`
	var s Supplier
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.Code, &s.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("supplier %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repository) ListSalesOrderLines(ctx context.Context, salesOrderID int64) ([]SalesOrderLine, error) {
	const q = `
		SELECT id, sales_order_id, product_id, quantity, warehouse_id, due_date
		FROM sales_order_lines WHERE sales_order_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, q, salesOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []SalesOrderLine
	for rows.Next() {
		var l SalesOrderLine
		if err := rows.Scan(&l.ID, &l.SalesOrderID, &l.ProductID, &l.Quantity, &l.WarehouseID, &l.DueDate); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
