package planning

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

// ListFilter narrows plan listings.
type ListFilter struct {
	SalesOrderID *int64
	Status       *PlanStatus
	Pagination   shared.Pagination
}

// Repository persists production plans. Implemented over PostgreSQL and by
// in-memory fakes in tests.
type Repository interface {
	numbering.CodeSource
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Insert(ctx context.Context, plan *ProductionPlan) (int64, error)
	Get(ctx context.Context, id int64) (*ProductionPlan, error)
	List(ctx context.Context, f ListFilter) ([]ProductionPlan, int, error)
	UpdateStatus(ctx context.Context, id int64, status PlanStatus, actorID int64) error
	Delete(ctx context.Context, id int64) error
	ListConfirmedRequirements(ctx context.Context) ([]MaterialRequirement, error)
	UpsertShortageAlert(ctx context.Context, materialID int64, shortage decimal.Decimal) error
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
	const q = `SELECT plan_no FROM production_plans WHERE plan_no LIKE $1 || '%' ORDER BY plan_no DESC LIMIT 1`
	var code string
	err := r.db.QueryRow(ctx, q, prefix).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return code, err
}

func (r *repository) Insert(ctx context.Context, plan *ProductionPlan) (int64, error) {
	const q = `
		INSERT INTO production_plans (plan_no, sales_order_id, name, status, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	var id int64
	err := r.db.QueryRow(ctx, q, plan.PlanNo, plan.SalesOrderID, plan.Name, plan.Status, plan.Notes, plan.CreatedBy).Scan(&id)
	if err != nil {
		return 0, err
	}
	for i := range plan.Products {
		p := &plan.Products[i]
		const pq = `
			INSERT INTO production_plan_products
				(plan_id, product_id, quantity, bom_id, routing_id, source, parent_product_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`
		if err := r.db.QueryRow(ctx, pq, id, p.ProductID, p.Quantity, p.BOMID, p.RoutingID, p.Source, p.ParentProductID).Scan(&p.ID); err != nil {
			return 0, fmt.Errorf("insert plan product: %w", err)
		}
		p.PlanID = id
	}
	for i := range plan.Requirements {
		m := &plan.Requirements[i]
		const mq = `
			INSERT INTO production_plan_requirements
				(plan_id, material_id, required_qty, available_qty, shortage_qty, warehouse_id, need_outsource)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`
		if err := r.db.QueryRow(ctx, mq, id, m.MaterialID, m.Required, m.Available, m.Shortage, m.WarehouseID, m.NeedOutsource).Scan(&m.ID); err != nil {
			return 0, fmt.Errorf("insert plan requirement: %w", err)
		}
		m.PlanID = id
	}
	return id, nil
}

func (r *repository) Get(ctx context.Context, id int64) (*ProductionPlan, error) {
	const q = `
		SELECT id, plan_no, sales_order_id, name, status, notes, created_by, created_at, updated_at
		FROM production_plans WHERE id = $1`
	var p ProductionPlan
	err := r.db.QueryRow(ctx, q, id).Scan(&p.ID, &p.PlanNo, &p.SalesOrderID, &p.Name, &p.Status, &p.Notes, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("plan %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}

	prows, err := r.db.Query(ctx, `
		SELECT id, plan_id, product_id, quantity, bom_id, routing_id, source, parent_product_id
		FROM production_plan_products WHERE plan_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var pp PlanProduct
		if err := prows.Scan(&pp.ID, &pp.PlanID, &pp.ProductID, &pp.Quantity, &pp.BOMID, &pp.RoutingID, &pp.Source, &pp.ParentProductID); err != nil {
			return nil, err
		}
		p.Products = append(p.Products, pp)
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	mrows, err := r.db.Query(ctx, `
		SELECT id, plan_id, material_id, required_qty, available_qty, shortage_qty, warehouse_id, need_outsource
		FROM production_plan_requirements WHERE plan_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var m MaterialRequirement
		if err := mrows.Scan(&m.ID, &m.PlanID, &m.MaterialID, &m.Required, &m.Available, &m.Shortage, &m.WarehouseID, &m.NeedOutsource); err != nil {
			return nil, err
		}
		p.Requirements = append(p.Requirements, m)
	}
	return &p, mrows.Err()
}

func (r *repository) List(ctx context.Context, f ListFilter) ([]ProductionPlan, int, error) {
	where := "WHERE 1=1"
	var args []any
	argPos := 1
	if f.SalesOrderID != nil {
		where += fmt.Sprintf(" AND sales_order_id = $%d", argPos)
		args = append(args, *f.SalesOrderID)
		argPos++
	}
	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, *f.Status)
		argPos++
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM production_plans "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`
		SELECT id, plan_no, sales_order_id, name, status, notes, created_by, created_at, updated_at
		FROM production_plans %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`, where, argPos, argPos+1)
	args = append(args, f.Pagination.PerPage, f.Pagination.Offset())

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var plans []ProductionPlan
	for rows.Next() {
		var p ProductionPlan
		if err := rows.Scan(&p.ID, &p.PlanNo, &p.SalesOrderID, &p.Name, &p.Status, &p.Notes, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		plans = append(plans, p)
	}
	return plans, total, rows.Err()
}

func (r *repository) UpdateStatus(ctx context.Context, id int64, status PlanStatus, actorID int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE production_plans SET status = $1, updated_by = $2, updated_at = NOW() WHERE id = $3`,
		status, actorID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM production_plan_requirements WHERE plan_id = $1`, id); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM production_plan_products WHERE plan_id = $1`, id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM production_plans WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) ListConfirmedRequirements(ctx context.Context) ([]MaterialRequirement, error) {
	const q = `
		SELECT pr.id, pr.plan_id, pr.material_id, pr.required_qty, pr.available_qty, pr.shortage_qty, pr.warehouse_id, pr.need_outsource
		FROM production_plan_requirements pr
		JOIN production_plans p ON p.id = pr.plan_id
		WHERE p.status = 'confirmed'
		ORDER BY pr.id`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []MaterialRequirement
	for rows.Next() {
		var m MaterialRequirement
		if err := rows.Scan(&m.ID, &m.PlanID, &m.MaterialID, &m.Required, &m.Available, &m.Shortage, &m.WarehouseID, &m.NeedOutsource); err != nil {
			return nil, err
		}
		reqs = append(reqs, m)
	}
	return reqs, rows.Err()
}

func (r *repository) UpsertShortageAlert(ctx context.Context, materialID int64, shortage decimal.Decimal) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO shortage_alerts (material_id, shortage_qty, scanned_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (material_id) DO UPDATE SET shortage_qty = EXCLUDED.shortage_qty, scanned_at = NOW()`,
		materialID, shortage)
	return err
}
