package issuance

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/numbering"
	"github.com/forge-mes/forge-mes/internal/platform/db"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// Repository persists material issue orders and performs the locked stock
// access used during allocation.
type Repository interface {
	numbering.CodeSource
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	Insert(ctx context.Context, order *MaterialIssueOrder) error
	Get(ctx context.Context, id int64) (*MaterialIssueOrder, error)
	GetByWorkOrder(ctx context.Context, woID int64) (*MaterialIssueOrder, error)
	UpdateItem(ctx context.Context, item *MaterialIssueItem) error
	UpdateStatus(ctx context.Context, orderID int64, status IssueStatus) error

	// ListStockForUpdate locks the candidate stock rows for the duration of
	// the surrounding transaction, preventing concurrent over-issuance.
	ListStockForUpdate(ctx context.Context, materialID int64, warehouseID *int64) ([]masterdata.StockRecord, error)
	AddStockQuantity(ctx context.Context, stockID int64, delta decimal.Decimal) error
	MarkWOMaterialIssued(ctx context.Context, woMaterialID int64) error
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

func (r *repository) LastCode(ctx context.Context, _ numbering.Kind, prefix string) (string, error) {
	const q = `SELECT order_no FROM material_issue_orders WHERE order_no LIKE $1 || '%' ORDER BY order_no DESC LIMIT 1`
	var code string
	err := r.db.QueryRow(ctx, q, prefix).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return code, err
}

func (r *repository) Insert(ctx context.Context, order *MaterialIssueOrder) error {
	const q = `
		INSERT INTO material_issue_orders (order_no, work_order_id, warehouse_id, status, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, q, order.OrderNo, order.WorkOrderID, order.WarehouseID, order.Status, order.CreatedBy).
		Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return err
	}
	for i := range order.Items {
		it := &order.Items[i]
		const iq = `
			INSERT INTO material_issue_items
				(order_id, wo_material_id, material_id, unit_id, required_qty, issued_qty, pending_qty, warehouse_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`
		if err := r.db.QueryRow(ctx, iq, order.ID, it.WOMaterialID, it.MaterialID, it.UnitID, it.Required, it.Issued, it.Pending, it.WarehouseID).Scan(&it.ID); err != nil {
			return fmt.Errorf("insert issue item: %w", err)
		}
		it.OrderID = order.ID
	}
	return nil
}

const orderColumns = `id, order_no, work_order_id, warehouse_id, status, created_by, created_at, updated_at`

func (r *repository) scanOrder(ctx context.Context, row pgx.Row) (*MaterialIssueOrder, error) {
	var o MaterialIssueOrder
	err := row.Scan(&o.ID, &o.OrderNo, &o.WorkOrderID, &o.WarehouseID, &o.Status, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, wo_material_id, material_id, unit_id, required_qty, issued_qty, pending_qty, warehouse_id
		FROM material_issue_items WHERE order_id = $1 ORDER BY id`, o.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it MaterialIssueItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.WOMaterialID, &it.MaterialID, &it.UnitID, &it.Required, &it.Issued, &it.Pending, &it.WarehouseID); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (*MaterialIssueOrder, error) {
	o, err := r.scanOrder(ctx, r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM material_issue_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("material issue order %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	return o, nil
}

func (r *repository) GetByWorkOrder(ctx context.Context, woID int64) (*MaterialIssueOrder, error) {
	o, err := r.scanOrder(ctx, r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM material_issue_orders WHERE work_order_id = $1`, woID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("material issue order for work order %d: %w", woID, shared.ErrNotFound)
		}
		return nil, err
	}
	return o, nil
}

func (r *repository) UpdateItem(ctx context.Context, item *MaterialIssueItem) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE material_issue_items SET issued_qty = $1, pending_qty = $2 WHERE id = $3`,
		item.Issued, item.Pending, item.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("issue item %d: %w", item.ID, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) UpdateStatus(ctx context.Context, orderID int64, status IssueStatus) error {
	_, err := r.db.Exec(ctx, `UPDATE material_issue_orders SET status = $1, updated_at = NOW() WHERE id = $2`, status, orderID)
	return err
}

func (r *repository) ListStockForUpdate(ctx context.Context, materialID int64, warehouseID *int64) ([]masterdata.StockRecord, error) {
	q := `
		SELECT id, material_id, warehouse_id, variant_id, lot_no, quantity, reserved_quantity, received_at
		FROM stock_records WHERE material_id = $1`
	args := []any{materialID}
	if warehouseID != nil {
		q += ` AND warehouse_id = $2`
		args = append(args, *warehouseID)
	}
	q += ` ORDER BY received_at, id FOR UPDATE`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []masterdata.StockRecord
	for rows.Next() {
		var s masterdata.StockRecord
		if err := rows.Scan(&s.ID, &s.MaterialID, &s.WarehouseID, &s.VariantID, &s.LotNo, &s.Quantity, &s.Reserved, &s.ReceivedAt); err != nil {
			return nil, err
		}
		records = append(records, s)
	}
	return records, rows.Err()
}

func (r *repository) AddStockQuantity(ctx context.Context, stockID int64, delta decimal.Decimal) error {
	tag, err := r.db.Exec(ctx, `UPDATE stock_records SET quantity = quantity + $1, updated_at = NOW() WHERE id = $2`, delta, stockID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stock record %d: %w", stockID, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) MarkWOMaterialIssued(ctx context.Context, woMaterialID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE work_order_materials SET is_issued = TRUE WHERE id = $1`, woMaterialID)
	return err
}
