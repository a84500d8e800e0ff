package manufacturing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forge-mes/forge-mes/internal/numbering"
	"github.com/forge-mes/forge-mes/internal/platform/db"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// MOFilter narrows manufacturing order listings.
type MOFilter struct {
	PlanID     *int64
	ProductID  *int64
	Status     *MOStatus
	Pagination shared.Pagination
}

// Repository persists manufacturing orders and work orders.
type Repository interface {
	numbering.CodeSource
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	InsertMO(ctx context.Context, mo *ManufacturingOrder) error
	GetMO(ctx context.Context, id int64) (*ManufacturingOrder, error)
	ListMOs(ctx context.Context, f MOFilter) ([]ManufacturingOrder, int, error)
	ListChildMOs(ctx context.Context, parentID int64) ([]ManufacturingOrder, error)
	UpdateMOStatus(ctx context.Context, id int64, status MOStatus, actorID int64) error
	DeleteMO(ctx context.Context, id int64) error

	InsertWO(ctx context.Context, wo *WorkOrder) error
	GetWO(ctx context.Context, id int64) (*WorkOrder, error)
	ListWOsByMO(ctx context.Context, moID int64) ([]WorkOrder, error)
	UpdateWOStatus(ctx context.Context, id int64, status WOStatus, actorID int64) error
	DeleteWO(ctx context.Context, id int64) error
	MaxBatchIndex(ctx context.Context, moID int64, prefix string) (int, error)
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
	table := "manufacturing_orders"
	if kind == numbering.KindWorkOrder {
		table = "work_orders"
	}
	q := fmt.Sprintf(`SELECT order_no FROM %s WHERE order_no LIKE $1 || '%%' ORDER BY order_no DESC LIMIT 1`, table)
	var code string
	err := r.db.QueryRow(ctx, q, prefix).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return code, err
}

func (r *repository) InsertMO(ctx context.Context, mo *ManufacturingOrder) error {
	const q = `
		INSERT INTO manufacturing_orders
			(order_no, source_type, source_ref_id, plan_id, product_id, bom_id, routing_id,
			 quantity, warehouse_id, planned_date, due_date, status, parent_mo_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`
	return r.db.QueryRow(ctx, q,
		mo.OrderNo, mo.SourceType, mo.SourceRefID, mo.PlanID, mo.ProductID, mo.BOMID, mo.RoutingID,
		mo.Quantity, mo.WarehouseID, mo.PlannedDate, mo.DueDate, mo.Status, mo.ParentMOID, mo.CreatedBy,
	).Scan(&mo.ID, &mo.CreatedAt, &mo.UpdatedAt)
}

const moColumns = `id, order_no, source_type, source_ref_id, plan_id, product_id, bom_id, routing_id,
	quantity, warehouse_id, planned_date, due_date, status, parent_mo_id, created_by, created_at, updated_at`

func scanMO(row pgx.Row) (*ManufacturingOrder, error) {
	var mo ManufacturingOrder
	err := row.Scan(&mo.ID, &mo.OrderNo, &mo.SourceType, &mo.SourceRefID, &mo.PlanID, &mo.ProductID,
		&mo.BOMID, &mo.RoutingID, &mo.Quantity, &mo.WarehouseID, &mo.PlannedDate, &mo.DueDate,
		&mo.Status, &mo.ParentMOID, &mo.CreatedBy, &mo.CreatedAt, &mo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &mo, nil
}

func (r *repository) GetMO(ctx context.Context, id int64) (*ManufacturingOrder, error) {
	mo, err := scanMO(r.db.QueryRow(ctx, `SELECT `+moColumns+` FROM manufacturing_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("manufacturing order %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	return mo, nil
}

func (r *repository) ListMOs(ctx context.Context, f MOFilter) ([]ManufacturingOrder, int, error) {
	where := "WHERE 1=1"
	var args []any
	argPos := 1
	if f.PlanID != nil {
		where += fmt.Sprintf(" AND plan_id = $%d", argPos)
		args = append(args, *f.PlanID)
		argPos++
	}
	if f.ProductID != nil {
		where += fmt.Sprintf(" AND product_id = $%d", argPos)
		args = append(args, *f.ProductID)
		argPos++
	}
	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, *f.Status)
		argPos++
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM manufacturing_orders "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT `+moColumns+` FROM manufacturing_orders %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		where, argPos, argPos+1)
	args = append(args, f.Pagination.PerPage, f.Pagination.Offset())

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orders []ManufacturingOrder
	for rows.Next() {
		mo, err := scanMO(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, *mo)
	}
	return orders, total, rows.Err()
}

func (r *repository) ListChildMOs(ctx context.Context, parentID int64) ([]ManufacturingOrder, error) {
	rows, err := r.db.Query(ctx, `SELECT `+moColumns+` FROM manufacturing_orders WHERE parent_mo_id = $1 ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []ManufacturingOrder
	for rows.Next() {
		mo, err := scanMO(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, *mo)
	}
	return children, rows.Err()
}

func (r *repository) UpdateMOStatus(ctx context.Context, id int64, status MOStatus, actorID int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE manufacturing_orders SET status = $1, updated_by = $2, updated_at = NOW() WHERE id = $3`, status, actorID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("manufacturing order %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) DeleteMO(ctx context.Context, id int64) error {
	rows, err := r.db.Query(ctx, `SELECT id FROM work_orders WHERE mo_id = $1`, id)
	if err != nil {
		return err
	}
	var woIDs []int64
	for rows.Next() {
		var woID int64
		if err := rows.Scan(&woID); err != nil {
			rows.Close()
			return err
		}
		woIDs = append(woIDs, woID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, woID := range woIDs {
		if err := r.DeleteWO(ctx, woID); err != nil {
			return err
		}
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM manufacturing_orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("manufacturing order %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) InsertWO(ctx context.Context, wo *WorkOrder) error {
	const q = `
		INSERT INTO work_orders
			(order_no, mo_id, operation_id, sequence_start, sequence_end, batch_no, quantity,
			 issue_warehouse_id, finished_warehouse_id, planned_start, planned_end, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, q,
		wo.OrderNo, wo.MOID, wo.OperationID, wo.SequenceStart, wo.SequenceEnd, wo.BatchNo, wo.Quantity,
		wo.IssueWarehouseID, wo.FinishedWarehouseID, wo.PlannedStart, wo.PlannedEnd, wo.Status, wo.CreatedBy,
	).Scan(&wo.ID, &wo.CreatedAt, &wo.UpdatedAt)
	if err != nil {
		return err
	}
	for _, stepID := range wo.StepIDs {
		if _, err := r.db.Exec(ctx, `INSERT INTO work_order_steps (work_order_id, routing_step_id) VALUES ($1, $2)`, wo.ID, stepID); err != nil {
			return fmt.Errorf("link routing step: %w", err)
		}
	}
	for i := range wo.Materials {
		m := &wo.Materials[i]
		const mq = `
			INSERT INTO work_order_materials (work_order_id, material_id, unit_id, quantity, warehouse_id, is_issued)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`
		if err := r.db.QueryRow(ctx, mq, wo.ID, m.MaterialID, m.UnitID, m.Quantity, m.WarehouseID, m.IsIssued).Scan(&m.ID); err != nil {
			return fmt.Errorf("insert work order material: %w", err)
		}
		m.WorkOrderID = wo.ID
	}
	return nil
}

const woColumns = `id, order_no, mo_id, operation_id, sequence_start, sequence_end, batch_no, quantity,
	issue_warehouse_id, finished_warehouse_id, planned_start, planned_end, status, created_by, created_at, updated_at`

func scanWO(row pgx.Row) (*WorkOrder, error) {
	var wo WorkOrder
	err := row.Scan(&wo.ID, &wo.OrderNo, &wo.MOID, &wo.OperationID, &wo.SequenceStart, &wo.SequenceEnd,
		&wo.BatchNo, &wo.Quantity, &wo.IssueWarehouseID, &wo.FinishedWarehouseID, &wo.PlannedStart,
		&wo.PlannedEnd, &wo.Status, &wo.CreatedBy, &wo.CreatedAt, &wo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &wo, nil
}

func (r *repository) GetWO(ctx context.Context, id int64) (*WorkOrder, error) {
	wo, err := scanWO(r.db.QueryRow(ctx, `SELECT `+woColumns+` FROM work_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("work order %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	if err := r.loadWODetails(ctx, wo); err != nil {
		return nil, err
	}
	return wo, nil
}

func (r *repository) loadWODetails(ctx context.Context, wo *WorkOrder) error {
	srows, err := r.db.Query(ctx, `SELECT routing_step_id FROM work_order_steps WHERE work_order_id = $1 ORDER BY routing_step_id`, wo.ID)
	if err != nil {
		return err
	}
	defer srows.Close()
	for srows.Next() {
		var stepID int64
		if err := srows.Scan(&stepID); err != nil {
			return err
		}
		wo.StepIDs = append(wo.StepIDs, stepID)
	}
	if err := srows.Err(); err != nil {
		return err
	}

	mrows, err := r.db.Query(ctx, `
		SELECT id, work_order_id, material_id, unit_id, quantity, warehouse_id, is_issued
		FROM work_order_materials WHERE work_order_id = $1 ORDER BY id`, wo.ID)
	if err != nil {
		return err
	}
	defer mrows.Close()
	for mrows.Next() {
		var m WorkOrderMaterial
		if err := mrows.Scan(&m.ID, &m.WorkOrderID, &m.MaterialID, &m.UnitID, &m.Quantity, &m.WarehouseID, &m.IsIssued); err != nil {
			return err
		}
		wo.Materials = append(wo.Materials, m)
	}
	return mrows.Err()
}

func (r *repository) ListWOsByMO(ctx context.Context, moID int64) ([]WorkOrder, error) {
	rows, err := r.db.Query(ctx, `SELECT `+woColumns+` FROM work_orders WHERE mo_id = $1 ORDER BY id`, moID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []WorkOrder
	for rows.Next() {
		wo, err := scanWO(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *wo)
	}
	return orders, rows.Err()
}

func (r *repository) UpdateWOStatus(ctx context.Context, id int64, status WOStatus, actorID int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE work_orders SET status = $1, updated_by = $2, updated_at = NOW() WHERE id = $3`, status, actorID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work order %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) DeleteWO(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM work_order_materials WHERE work_order_id = $1`, id); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM work_order_steps WHERE work_order_id = $1`, id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM work_orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work order %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// MaxBatchIndex scans existing batch numbers of the MO for the day prefix and
// returns the greatest embedded index, zero when none match.
func (r *repository) MaxBatchIndex(ctx context.Context, moID int64, prefix string) (int, error) {
	const q = `
		SELECT COALESCE(MAX((regexp_match(batch_no, '^' || $2 || '-(\d+)'))[1]::int), 0)
		FROM work_orders
		WHERE mo_id = $1 AND batch_no LIKE $2 || '-%'`
	var max int
	err := r.db.QueryRow(ctx, q, moID, prefix).Scan(&max)
	return max, err
}
