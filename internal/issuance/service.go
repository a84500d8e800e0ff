package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/manufacturing"
	"github.com/forge-mes/forge-mes/internal/numbering"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// WorkOrderSource provides work orders with their material lines. Satisfied by
// *manufacturing.Service.
type WorkOrderSource interface {
	GetWorkOrder(ctx context.Context, id int64) (*manufacturing.WorkOrder, error)
}

// Service manages material issue orders.
type Service struct {
	repo   Repository
	wos    WorkOrderSource
	audit  shared.AuditPort
	logger *slog.Logger
}

// NewService builds the issuance service.
func NewService(repo Repository, wos WorkOrderSource, audit shared.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, wos: wos, audit: audit, logger: logger}
}

// CreateForWorkOrder returns the existing issue order for the work order, or
// creates one mirroring the WO's material lines. The operation is idempotent.
func (s *Service) CreateForWorkOrder(ctx context.Context, woID, actorID int64) (*MaterialIssueOrder, error) {
	existing, err := s.repo.GetByWorkOrder(ctx, woID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	wo, err := s.wos.GetWorkOrder(ctx, woID)
	if err != nil {
		return nil, err
	}
	if len(wo.Materials) == 0 {
		return nil, ErrNoMaterialLines
	}

	order := &MaterialIssueOrder{
		WorkOrderID: woID,
		WarehouseID: wo.IssueWarehouseID,
		Status:      StatusPrepared,
		CreatedBy:   actorID,
	}
	for _, m := range wo.Materials {
		order.Items = append(order.Items, MaterialIssueItem{
			WOMaterialID: m.ID,
			MaterialID:   m.MaterialID,
			UnitID:       m.UnitID,
			Required:     m.Quantity,
			Issued:       decimal.Zero,
			Pending:      m.Quantity,
			WarehouseID:  m.WarehouseID,
		})
	}

	// A unique violation aborts the transaction, so every attempt runs a new
	// one with a freshly proposed order number.
	err = numbering.WithRetry(func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			gen := numbering.NewGenerator(repo)
			code, err := gen.Next(ctx, numbering.KindMaterialIssue, time.Now().UTC())
			if err != nil {
				return err
			}
			order.OrderNo = code
			return repo.Insert(ctx, order)
		})
	})
	if err != nil {
		if numbering.IsUniqueViolation(err) || errors.Is(err, numbering.ErrSequenceConflict) {
			// When the conflict was on work_order_id a concurrent creator won;
			// hand its order back instead of failing.
			if winner, lookupErr := s.repo.GetByWorkOrder(ctx, woID); lookupErr == nil {
				return winner, nil
			}
		}
		return nil, err
	}

	s.recordAudit(ctx, actorID, "issue:create", order.ID, map[string]any{"wo_id": woID, "order_no": order.OrderNo})
	return order, nil
}

// IssueItem issues up to the requested quantity against one line. The issued
// amount is clamped to the line's outstanding quantity and to what stock can
// cover; partial fulfilment is not an error.
func (s *Service) IssueItem(ctx context.Context, orderID, itemID int64, qty decimal.Decimal, actorID int64) (*MaterialIssueOrder, error) {
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		order, err := repo.Get(ctx, orderID)
		if err != nil {
			return err
		}
		idx := -1
		for i := range order.Items {
			if order.Items[i].ID == itemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("issue item %d: %w", itemID, shared.ErrNotFound)
		}
		if _, err := s.allocate(ctx, repo, order, &order.Items[idx], qty); err != nil {
			return err
		}
		return repo.UpdateStatus(ctx, orderID, DeriveStatus(order.Items))
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actorID, "issue:item", orderID, map[string]any{"item_id": itemID, "requested": qty.String()})
	return s.repo.Get(ctx, orderID)
}

// IssueAll issues the outstanding quantity of every line of the work order's
// issue order in one transaction, creating the order first if needed.
func (s *Service) IssueAll(ctx context.Context, woID, actorID int64) (*MaterialIssueOrder, error) {
	order, err := s.CreateForWorkOrder(ctx, woID, actorID)
	if err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		fresh, err := repo.Get(ctx, order.ID)
		if err != nil {
			return err
		}
		for i := range fresh.Items {
			out := fresh.Items[i].Outstanding()
			if !out.IsPositive() {
				continue
			}
			if _, err := s.allocate(ctx, repo, fresh, &fresh.Items[i], out); err != nil {
				return err
			}
		}
		return repo.UpdateStatus(ctx, fresh.ID, DeriveStatus(fresh.Items))
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actorID, "issue:all", order.ID, map[string]any{"wo_id": woID})
	return s.repo.Get(ctx, order.ID)
}

// allocate deducts stock greedily for one line inside the caller's
// transaction and updates the line. Returns the quantity actually issued.
func (s *Service) allocate(ctx context.Context, repo Repository, order *MaterialIssueOrder, item *MaterialIssueItem, requested decimal.Decimal) (decimal.Decimal, error) {
	toIssue := decimal.Min(item.Outstanding(), requested)
	if !toIssue.IsPositive() {
		return decimal.Zero, nil
	}

	warehouseID := item.WarehouseID
	if warehouseID == nil {
		warehouseID = order.WarehouseID
	}
	records, err := repo.ListStockForUpdate(ctx, item.MaterialID, warehouseID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock stock for material %d: %w", item.MaterialID, err)
	}

	remain := toIssue
	for _, rec := range records {
		if !remain.IsPositive() {
			break
		}
		take := decimal.Min(rec.Available(), remain)
		if !take.IsPositive() {
			continue
		}
		if err := repo.AddStockQuantity(ctx, rec.ID, take.Neg()); err != nil {
			return decimal.Zero, err
		}
		remain = remain.Sub(take)
	}

	issued := toIssue.Sub(remain)
	if issued.IsZero() {
		return decimal.Zero, nil
	}
	item.Issued = item.Issued.Add(issued)
	item.Pending = item.Outstanding()
	if err := repo.UpdateItem(ctx, item); err != nil {
		return decimal.Zero, err
	}
	if item.Pending.IsZero() {
		if err := repo.MarkWOMaterialIssued(ctx, item.WOMaterialID); err != nil {
			return decimal.Zero, err
		}
	}
	return issued, nil
}

// Get loads one issue order with its lines.
func (s *Service) Get(ctx context.Context, id int64) (*MaterialIssueOrder, error) {
	return s.repo.Get(ctx, id)
}

// GetByWorkOrder loads the issue order of a work order.
func (s *Service) GetByWorkOrder(ctx context.Context, woID int64) (*MaterialIssueOrder, error) {
	return s.repo.GetByWorkOrder(ctx, woID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "material_issue_order",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
