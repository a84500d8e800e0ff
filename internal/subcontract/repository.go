package subcontract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/numbering"
	"github.com/forge-mes/forge-mes/internal/platform/db"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// OrderFilter narrows order listings.
type OrderFilter struct {
	SupplierID *int64
	Status     *OrderStatus
	Pagination shared.Pagination
}

// Repository persists subcontract orders and receipts.
type Repository interface {
	numbering.CodeSource
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	InsertOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, int, error)
	UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error
	DeleteOrder(ctx context.Context, id int64) error
	// RecomputeOrderTotal sums the item amounts in SQL and stores the result.
	RecomputeOrderTotal(ctx context.Context, orderID int64) (decimal.Decimal, error)
	HasItemForWorkOrder(ctx context.Context, woID int64) (bool, error)

	InsertReceipt(ctx context.Context, receipt *Receipt) error
	GetReceipt(ctx context.Context, id int64) (*Receipt, error)
	UpdateReceiptStatus(ctx context.Context, id int64, status ReceiptStatus) error
	// ReceivedTotals sums the received quantity of all prior receipts per
	// order item of the order.
	ReceivedTotals(ctx context.Context, orderID int64) (map[int64]decimal.Decimal, error)
	UpdateItemProgress(ctx context.Context, itemID int64, received decimal.Decimal, status ItemStatus) error
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

func (r *repository) LastCode(ctx context.Context, kind numbering.Kind, prefix string) (string, error) {
	q := `SELECT order_no FROM subcontract_orders WHERE order_no LIKE $1 || '%' ORDER BY order_no DESC LIMIT 1`
	if kind == numbering.KindSubcontractReceipt {
		q = `SELECT receipt_no FROM subcontract_receipts WHERE receipt_no LIKE $1 || '%' ORDER BY receipt_no DESC LIMIT 1`
	}
	var code string
	err := r.db.QueryRow(ctx, q, prefix).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return code, err
}

func (r *repository) InsertOrder(ctx context.Context, order *Order) error {
	const q = `
		INSERT INTO subcontract_orders (order_no, supplier_id, status, total_amount, remark, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, q, order.OrderNo, order.SupplierID, order.Status, order.TotalAmount, order.Remark, order.CreatedBy).
		Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return err
	}
	for i := range order.Items {
		it := &order.Items[i]
		const iq = `
			INSERT INTO subcontract_order_items
				(order_id, work_order_id, routing_step_id, operation_id, product_id, quantity, price, amount, received_qty, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`
		err := r.db.QueryRow(ctx, iq, order.ID, it.WorkOrderID, it.RoutingStepID, it.OperationID, it.ProductID,
			it.Quantity, it.Price, it.Amount, it.Received, it.Status).Scan(&it.ID)
		if err != nil {
			if isActiveWOConflict(err) {
				return fmt.Errorf("work order %d: %w", it.WorkOrderID, ErrWorkOrderAlreadySubcontracted)
			}
			return fmt.Errorf("insert subcontract item: %w", err)
		}
		it.OrderID = order.ID
	}
	return nil
}

// isActiveWOConflict matches the partial unique index that allows at most one
// active subcontract item per work order. The sentinel translation keeps the
// numbering retry from mistaking it for an order number collision.
func isActiveWOConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_sc_item_active_wo"
}

func (r *repository) loadItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, work_order_id, routing_step_id, operation_id, product_id,
		       quantity, price, amount, received_qty, status
		FROM subcontract_order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.WorkOrderID, &it.RoutingStepID, &it.OperationID, &it.ProductID,
			&it.Quantity, &it.Price, &it.Amount, &it.Received, &it.Status); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

const orderColumns = `id, order_no, supplier_id, status, total_amount, remark, created_by, created_at, updated_at`

func scanOrderRow(row pgx.Row, o *Order) error {
	return row.Scan(&o.ID, &o.OrderNo, &o.SupplierID, &o.Status, &o.TotalAmount, &o.Remark, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
}

func (r *repository) GetOrder(ctx context.Context, id int64) (*Order, error) {
	var o Order
	err := scanOrderRow(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM subcontract_orders WHERE id = $1`, id), &o)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subcontract order %d: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = r.loadItems(ctx, id); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *repository) ListOrders(ctx context.Context, f OrderFilter) ([]Order, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1
	if f.SupplierID != nil {
		where += fmt.Sprintf(` AND supplier_id = $%d`, argPos)
		args = append(args, *f.SupplierID)
		argPos++
	}
	if f.Status != nil {
		where += fmt.Sprintf(` AND status = $%d`, argPos)
		args = append(args, *f.Status)
		argPos++
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM subcontract_orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + orderColumns + ` FROM subcontract_orders` + where +
		fmt.Sprintf(` ORDER BY id DESC LIMIT $%d OFFSET $%d`, argPos, argPos+1)
	args = append(args, f.Pagination.PerPage, f.Pagination.Offset())

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		var o Order
		if err := scanOrderRow(rows, &o); err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

func (r *repository) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE subcontract_orders SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subcontract order %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) DeleteOrder(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM subcontract_order_items WHERE order_id = $1`, id); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `DELETE FROM subcontract_orders WHERE id = $1`, id)
	return err
}

func (r *repository) RecomputeOrderTotal(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	const q = `
		UPDATE subcontract_orders o
		SET total_amount = COALESCE((SELECT SUM(amount) FROM subcontract_order_items WHERE order_id = o.id), 0),
		    updated_at = NOW()
		WHERE o.id = $1
		RETURNING o.total_amount`
	var total decimal.Decimal
	err := r.db.QueryRow(ctx, q, orderID).Scan(&total)
	return total, err
}

func (r *repository) HasItemForWorkOrder(ctx context.Context, woID int64) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM subcontract_order_items WHERE work_order_id = $1 AND status <> 'cancelled')`
	var exists bool
	err := r.db.QueryRow(ctx, q, woID).Scan(&exists)
	return exists, err
}

func (r *repository) InsertReceipt(ctx context.Context, receipt *Receipt) error {
	const q = `
		INSERT INTO subcontract_receipts (receipt_no, order_id, status, remark, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, q, receipt.ReceiptNo, receipt.OrderID, receipt.Status, receipt.Remark, receipt.CreatedBy).
		Scan(&receipt.ID, &receipt.CreatedAt, &receipt.UpdatedAt)
	if err != nil {
		return err
	}
	for i := range receipt.Items {
		it := &receipt.Items[i]
		const iq = `
			INSERT INTO subcontract_receipt_items (receipt_id, order_item_id, received_qty)
			VALUES ($1, $2, $3)
			RETURNING id`
		if err := r.db.QueryRow(ctx, iq, receipt.ID, it.OrderItemID, it.Quantity).Scan(&it.ID); err != nil {
			return fmt.Errorf("insert receipt item: %w", err)
		}
		it.ReceiptID = receipt.ID
	}
	return nil
}

func (r *repository) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	var rc Receipt
	err := r.db.QueryRow(ctx, `
		SELECT id, receipt_no, order_id, status, remark, created_by, created_at, updated_at
		FROM subcontract_receipts WHERE id = $1`, id).
		Scan(&rc.ID, &rc.ReceiptNo, &rc.OrderID, &rc.Status, &rc.Remark, &rc.CreatedBy, &rc.CreatedAt, &rc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subcontract receipt %d: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, receipt_id, order_item_id, received_qty
		FROM subcontract_receipt_items WHERE receipt_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it ReceiptItem
		if err := rows.Scan(&it.ID, &it.ReceiptID, &it.OrderItemID, &it.Quantity); err != nil {
			return nil, err
		}
		rc.Items = append(rc.Items, it)
	}
	return &rc, rows.Err()
}

func (r *repository) UpdateReceiptStatus(ctx context.Context, id int64, status ReceiptStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE subcontract_receipts SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subcontract receipt %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) ReceivedTotals(ctx context.Context, orderID int64) (map[int64]decimal.Decimal, error) {
	const q = `
		SELECT ri.order_item_id, SUM(ri.received_qty)
		FROM subcontract_receipt_items ri
		JOIN subcontract_order_items oi ON oi.id = ri.order_item_id
		WHERE oi.order_id = $1
		GROUP BY ri.order_item_id`
	rows, err := r.db.Query(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	totals := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var itemID int64
		var sum decimal.Decimal
		if err := rows.Scan(&itemID, &sum); err != nil {
			return nil, err
		}
		totals[itemID] = sum
	}
	return totals, rows.Err()
}

func (r *repository) UpdateItemProgress(ctx context.Context, itemID int64, received decimal.Decimal, status ItemStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE subcontract_order_items SET received_qty = $1, status = $2 WHERE id = $3`,
		received, status, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subcontract order item %d: %w", itemID, shared.ErrNotFound)
	}
	return nil
}
