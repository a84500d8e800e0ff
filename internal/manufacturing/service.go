package manufacturing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/numbering"
	"github.com/forge-mes/forge-mes/internal/planning"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// PlanSource provides confirmed production plans. Satisfied by
// *planning.Service.
type PlanSource interface {
	Get(ctx context.Context, id int64) (*planning.ProductionPlan, error)
}

// Service drives manufacturing orders and work orders.
type Service struct {
	repo   Repository
	store  masterdata.Store
	plans  PlanSource
	audit  shared.AuditPort
	logger *slog.Logger
}

// NewService builds the manufacturing service.
func NewService(repo Repository, store masterdata.Store, plans PlanSource, audit shared.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, store: store, plans: plans, audit: audit, logger: logger}
}

// CreateFromPlanInput describes MO generation from a plan.
type CreateFromPlanInput struct {
	PlanID      int64
	WarehouseID *int64
	PlannedDate *time.Time
	DueDate     *time.Time
	ActorID     int64
}

// CreateFromPlan generates one MO per planned product of a confirmed plan.
// Sub-assembly MOs reference their parent MO; the whole batch commits or
// rolls back together.
func (s *Service) CreateFromPlan(ctx context.Context, input CreateFromPlanInput) ([]ManufacturingOrder, error) {
	plan, err := s.plans.Get(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.Status != planning.PlanStatusConfirmed {
		return nil, planning.ErrPlanNotConfirmed
	}
	if len(plan.Products) == 0 {
		return nil, fmt.Errorf("%w: plan %d has no products", shared.ErrConflict, plan.ID)
	}

	// Roots first so parent MO ids exist when their children are inserted.
	ordered := make([]planning.PlanProduct, 0, len(plan.Products))
	for _, p := range plan.Products {
		if p.ParentProductID == nil {
			ordered = append(ordered, p)
		}
	}
	for _, p := range plan.Products {
		if p.ParentProductID != nil {
			ordered = append(ordered, p)
		}
	}

	var created []ManufacturingOrder
	// A numbering collision anywhere in the batch aborts the transaction;
	// the retry re-runs the whole batch with freshly proposed codes.
	err = numbering.WithRetry(func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			created = created[:0]
			gen := numbering.NewGenerator(repo)
			moByProduct := make(map[int64]int64, len(ordered))
			for _, p := range ordered {
				planID := plan.ID
				mo := ManufacturingOrder{
					SourceType:  SourceTypeSalesOrder,
					SourceRefID: plan.SalesOrderID,
					PlanID:      &planID,
					ProductID:   p.ProductID,
					BOMID:       p.BOMID,
					RoutingID:   p.RoutingID,
					Quantity:    p.Quantity,
					WarehouseID: input.WarehouseID,
					PlannedDate: input.PlannedDate,
					DueDate:     input.DueDate,
					Status:      MOStatusDraft,
					CreatedBy:   input.ActorID,
				}
				if p.ParentProductID != nil {
					parentMO, ok := moByProduct[*p.ParentProductID]
					if !ok {
						return fmt.Errorf("%w: parent product %d not in generation batch", shared.ErrConflict, *p.ParentProductID)
					}
					mo.ParentMOID = &parentMO
				}
				code, err := gen.Next(ctx, numbering.KindManufacturingOrder, time.Now().UTC())
				if err != nil {
					return err
				}
				mo.OrderNo = code
				if err := repo.InsertMO(ctx, &mo); err != nil {
					return err
				}
				moByProduct[p.ProductID] = mo.ID
				created = append(created, mo)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, input.ActorID, "mo:create_from_plan", plan.ID, map[string]any{"count": len(created)})
	return created, nil
}

// Confirm moves a draft MO to confirmed.
func (s *Service) Confirm(ctx context.Context, id, actorID int64) (*ManufacturingOrder, error) {
	mo, err := s.repo.GetMO(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := moTransitions.Ensure(mo.Status, MOStatusConfirmed); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateMOStatus(ctx, id, MOStatusConfirmed, actorID); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actorID, "mo:confirm", id, nil)
	return s.repo.GetMO(ctx, id)
}

// Cancel cancels an MO and cascades to its non-completed children.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) (*ManufacturingOrder, error) {
	mo, err := s.repo.GetMO(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := moTransitions.Ensure(mo.Status, MOStatusCancelled); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return s.cancelTree(ctx, repo, id, actorID)
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actorID, "mo:cancel", id, nil)
	return s.repo.GetMO(ctx, id)
}

func (s *Service) cancelTree(ctx context.Context, repo Repository, id, actorID int64) error {
	if err := repo.UpdateMOStatus(ctx, id, MOStatusCancelled, actorID); err != nil {
		return err
	}
	children, err := repo.ListChildMOs(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status == MOStatusCompleted || child.Status == MOStatusCancelled {
			continue
		}
		if err := s.cancelTree(ctx, repo, child.ID, actorID); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a draft MO together with its draft work orders.
func (s *Service) Delete(ctx context.Context, id, actorID int64) error {
	mo, err := s.repo.GetMO(ctx, id)
	if err != nil {
		return err
	}
	if mo.Status != MOStatusDraft {
		return ErrMONotDeletable
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.DeleteMO(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "mo:delete", id, nil)
	return nil
}

// Get loads one MO.
func (s *Service) Get(ctx context.Context, id int64) (*ManufacturingOrder, error) {
	return s.repo.GetMO(ctx, id)
}

// List returns MOs matching the filter.
func (s *Service) List(ctx context.Context, f MOFilter) ([]ManufacturingOrder, int, error) {
	return s.repo.ListMOs(ctx, f)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "manufacturing_order",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
