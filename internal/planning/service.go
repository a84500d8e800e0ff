package planning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/numbering"
	"github.com/forge-mes/forge-mes/internal/platform/cache"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// PreviewResult is the un-persisted outcome of exploding a sales order.
type PreviewResult struct {
	Products     []PlanProduct         `json:"products"`
	Requirements []MaterialRequirement `json:"materialRequirements"`
	Notes        []string              `json:"notes,omitempty"`
}

// CreatePlanInput describes plan creation.
type CreatePlanInput struct {
	SalesOrderID int64
	Name         string
	Options      ExplodeOptions
	ActorID      int64
}

// Service orchestrates previewing, persisting and driving production plans.
type Service struct {
	repo     Repository
	store    masterdata.Store
	exploder *Exploder
	netter   *Netter
	audit    shared.AuditPort
	preview  *cache.JSONCache
	logger   *slog.Logger
}

// NewService builds the planning service.
func NewService(repo Repository, store masterdata.Store, exploder *Exploder, netter *Netter, audit shared.AuditPort, preview *cache.JSONCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		store:    store,
		exploder: exploder,
		netter:   netter,
		audit:    audit,
		preview:  preview,
		logger:   logger,
	}
}

func previewCacheKey(salesOrderID int64, opts ExplodeOptions) string {
	wh := int64(0)
	if opts.WarehouseID != nil {
		wh = *opts.WarehouseID
	}
	return fmt.Sprintf("planning:preview:%d:%t:%t:%d", salesOrderID, opts.IncludeChildProducts, opts.ExpandMaterialsRecursively, wh)
}

// Preview explodes the sales order's demand without persisting anything.
// Results are cached briefly since planners re-open the preview repeatedly
// while tuning options.
func (s *Service) Preview(ctx context.Context, salesOrderID int64, opts ExplodeOptions) (*PreviewResult, error) {
	key := previewCacheKey(salesOrderID, opts)
	var cached PreviewResult
	if s.preview.Get(ctx, key, &cached) {
		return &cached, nil
	}

	result, err := s.buildPreview(ctx, salesOrderID, opts)
	if err != nil {
		return nil, err
	}
	s.preview.Set(ctx, key, result)
	return result, nil
}

func (s *Service) buildPreview(ctx context.Context, salesOrderID int64, opts ExplodeOptions) (*PreviewResult, error) {
	lines, err := s.store.ListSalesOrderLines(ctx, salesOrderID)
	if err != nil {
		return nil, fmt.Errorf("load sales order %d: %w", salesOrderID, err)
	}
	if len(lines) == 0 {
		return nil, ErrNoDemand
	}

	demands := make([]Demand, 0, len(lines))
	for _, l := range lines {
		demands = append(demands, Demand{ProductID: l.ProductID, Quantity: l.Quantity, WarehouseID: l.WarehouseID})
	}

	exp, err := s.exploder.ExplodeDemands(ctx, demands, opts)
	if err != nil {
		return nil, err
	}

	for i := range exp.Materials {
		m := &exp.Materials[i]
		available, shortage, err := s.netter.Net(ctx, m.MaterialID, m.WarehouseID, m.Required)
		if err != nil {
			return nil, fmt.Errorf("net material %d: %w", m.MaterialID, err)
		}
		m.Available = available
		m.Shortage = shortage
	}

	return &PreviewResult{Products: exp.Products, Requirements: exp.Materials, Notes: exp.Notes}, nil
}

// Create persists a fresh snapshot of the sales order's explosion. The
// preview cache is bypassed so the stored snapshot reflects current stock.
func (s *Service) Create(ctx context.Context, input CreatePlanInput) (*ProductionPlan, error) {
	preview, err := s.buildPreview(ctx, input.SalesOrderID, input.Options)
	if err != nil {
		return nil, err
	}

	name := input.Name
	if name == "" {
		name = fmt.Sprintf("Plan for sales order %d", input.SalesOrderID)
	}

	plan := &ProductionPlan{
		SalesOrderID: input.SalesOrderID,
		Name:         name,
		Status:       PlanStatusDraft,
		Products:     preview.Products,
		Requirements: preview.Requirements,
		Notes:        preview.Notes,
		CreatedBy:    input.ActorID,
	}

	// A numbering collision aborts the transaction, so each attempt runs a
	// fresh one; the code lookup must happen after the previous rollback.
	err = numbering.WithRetry(func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			gen := numbering.NewGenerator(repo)
			code, err := gen.Next(ctx, numbering.KindProductionPlan, time.Now().UTC())
			if err != nil {
				return err
			}
			plan.PlanNo = code
			id, err := repo.Insert(ctx, plan)
			if err != nil {
				return err
			}
			plan.ID = id
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.preview.Invalidate(ctx, previewCacheKey(input.SalesOrderID, input.Options))
	s.recordAudit(ctx, input.ActorID, "plan:create", plan.ID, map[string]any{"plan_no": plan.PlanNo, "sales_order_id": input.SalesOrderID})
	return s.repo.Get(ctx, plan.ID)
}

// Confirm moves a draft plan to confirmed.
func (s *Service) Confirm(ctx context.Context, id, actorID int64) (*ProductionPlan, error) {
	return s.transition(ctx, id, actorID, PlanStatusConfirmed)
}

// Cancel cancels a draft or confirmed plan.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) (*ProductionPlan, error) {
	return s.transition(ctx, id, actorID, PlanStatusCancelled)
}

// Complete marks a confirmed plan as completed.
func (s *Service) Complete(ctx context.Context, id, actorID int64) (*ProductionPlan, error) {
	return s.transition(ctx, id, actorID, PlanStatusCompleted)
}

func (s *Service) transition(ctx context.Context, id, actorID int64, target PlanStatus) (*ProductionPlan, error) {
	plan, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := planTransitions.Ensure(plan.Status, target); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStatus(ctx, id, target, actorID); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actorID, "plan:"+string(target), id, map[string]any{"from": plan.Status})
	return s.repo.Get(ctx, id)
}

// Delete removes a plan; only drafts may be deleted.
func (s *Service) Delete(ctx context.Context, id, actorID int64) error {
	plan, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if plan.Status != PlanStatusDraft {
		return ErrPlanNotDraft
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "plan:delete", id, nil)
	return nil
}

// Get loads one plan with its snapshot.
func (s *Service) Get(ctx context.Context, id int64) (*ProductionPlan, error) {
	return s.repo.Get(ctx, id)
}

// List returns plans matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]ProductionPlan, int, error) {
	return s.repo.List(ctx, f)
}

// RescanShortages re-nets the requirements of all confirmed plans against
// current stock and refreshes shortage alerts. Plan snapshots themselves are
// never modified. Returns the number of materials in shortage.
func (s *Service) RescanShortages(ctx context.Context) (int, error) {
	reqs, err := s.repo.ListConfirmedRequirements(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, req := range reqs {
		_, shortage, err := s.netter.Net(ctx, req.MaterialID, req.WarehouseID, req.Required)
		if err != nil {
			return count, fmt.Errorf("rescan material %d: %w", req.MaterialID, err)
		}
		if err := s.repo.UpsertShortageAlert(ctx, req.MaterialID, shortage); err != nil {
			return count, err
		}
		if shortage.IsPositive() {
			count++
		}
	}
	s.logger.Info("shortage rescan complete", slog.Int("requirements", len(reqs)), slog.Int("in_shortage", count))
	return count, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, planID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "production_plan",
		EntityID: fmt.Sprintf("%d", planID),
		Meta:     meta,
	})
}
