package subcontract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/manufacturing"
	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/numbering"
	"github.com/forge-mes/forge-mes/internal/planning"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// WorkOrderSource provides work orders and their owning MOs. Satisfied by
// *manufacturing.Service.
type WorkOrderSource interface {
	GetWorkOrder(ctx context.Context, id int64) (*manufacturing.WorkOrder, error)
	Get(ctx context.Context, id int64) (*manufacturing.ManufacturingOrder, error)
}

// Service manages subcontract orders and receipts.
type Service struct {
	repo       Repository
	store      masterdata.Store
	wos        WorkOrderSource
	classifier *planning.OutsourceClassifier
	audit      shared.AuditPort
	logger     *slog.Logger
}

// NewService builds the subcontract service.
func NewService(repo Repository, store masterdata.Store, wos WorkOrderSource, classifier *planning.OutsourceClassifier, audit shared.AuditPort, logger *slog.Logger) *Service {
	if classifier == nil {
		classifier = planning.NewOutsourceClassifier()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, store: store, wos: wos, classifier: classifier, audit: audit, logger: logger}
}

// OrderItemInput is one explicit item of a manually created order.
type OrderItemInput struct {
	WorkOrderID   int64           `json:"workOrderId" validate:"required"`
	RoutingStepID int64           `json:"routingStepId" validate:"required"`
	OperationID   int64           `json:"operationId"`
	ProductID     int64           `json:"productId" validate:"required"`
	Quantity      decimal.Decimal `json:"quantity" validate:"required"`
	Price         decimal.Decimal `json:"price"`
}

// CreateOrderInput describes a manually composed subcontract order.
type CreateOrderInput struct {
	SupplierID int64            `json:"supplierId" validate:"required"`
	Remark     string           `json:"remark"`
	Items      []OrderItemInput `json:"items" validate:"required,min=1,dive"`
	ActorID    int64            `json:"-"`
}

// CreateOrder creates a draft order from explicit items.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*Order, error) {
	if _, err := s.store.GetSupplier(ctx, input.SupplierID); err != nil {
		return nil, fmt.Errorf("supplier %d: %w", input.SupplierID, err)
	}
	order := &Order{
		SupplierID: input.SupplierID,
		Status:     OrderStatusDraft,
		Remark:     input.Remark,
		CreatedBy:  input.ActorID,
	}
	for _, in := range input.Items {
		if !in.Quantity.IsPositive() {
			return nil, ErrInvalidQuantity
		}
		order.Items = append(order.Items, OrderItem{
			WorkOrderID:   in.WorkOrderID,
			RoutingStepID: in.RoutingStepID,
			OperationID:   in.OperationID,
			ProductID:     in.ProductID,
			Quantity:      in.Quantity,
			Price:         in.Price,
			Amount:        in.Quantity.Mul(in.Price),
			Received:      decimal.Zero,
			Status:        ItemStatusPending,
		})
	}

	err := numbering.WithRetry(func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			if err := s.insertOrder(ctx, repo, order); err != nil {
				return err
			}
			total, err := repo.RecomputeOrderTotal(ctx, order.ID)
			if err != nil {
				return err
			}
			order.TotalAmount = total
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, input.ActorID, "subcontract:create", order.ID, map[string]any{"order_no": order.OrderNo})
	return s.repo.GetOrder(ctx, order.ID)
}

// WorkOrderSelection selects one WO for batch generation, with optional
// supplier and price overrides.
type WorkOrderSelection struct {
	WorkOrderID int64            `json:"workOrderId" validate:"required"`
	SupplierID  *int64           `json:"supplierId"`
	Price       *decimal.Decimal `json:"price"`
}

// GenerateInput drives batch generation of subcontract orders from WOs.
type GenerateInput struct {
	SupplierID int64                `json:"supplierId" validate:"required"`
	Selections []WorkOrderSelection `json:"workOrders" validate:"required,min=1,dive"`
	Remark     string               `json:"remark"`
	ActorID    int64                `json:"-"`
}

// GenerateByWorkOrders builds one draft order per supplier covering the
// outsourced step of each selected WO. WOs already holding a subcontract item
// are skipped, making re-runs idempotent.
func (s *Service) GenerateByWorkOrders(ctx context.Context, input GenerateInput) ([]Order, error) {
	itemsBySupplier := make(map[int64][]OrderItem)
	supplierOrder := make([]int64, 0)

	for _, sel := range input.Selections {
		exists, err := s.repo.HasItemForWorkOrder(ctx, sel.WorkOrderID)
		if err != nil {
			return nil, err
		}
		if exists {
			s.logger.Info("work order already subcontracted, skipping", "wo_id", sel.WorkOrderID)
			continue
		}
		item, err := s.buildItem(ctx, sel)
		if err != nil {
			return nil, err
		}
		supplierID := input.SupplierID
		if sel.SupplierID != nil {
			supplierID = *sel.SupplierID
		}
		if _, ok := itemsBySupplier[supplierID]; !ok {
			supplierOrder = append(supplierOrder, supplierID)
		}
		itemsBySupplier[supplierID] = append(itemsBySupplier[supplierID], item)
	}
	if len(itemsBySupplier) == 0 {
		return nil, ErrNoEligibleWorkOrders
	}

	var created []Order
	// A numbering collision aborts the transaction and the retry re-runs the
	// whole batch. A second generator racing on the same WO loses on the
	// one-active-item-per-WO index instead and surfaces as a conflict.
	err := numbering.WithRetry(func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			created = created[:0]
			for _, supplierID := range supplierOrder {
				order := &Order{
					SupplierID: supplierID,
					Status:     OrderStatusDraft,
					Remark:     input.Remark,
					Items:      itemsBySupplier[supplierID],
					CreatedBy:  input.ActorID,
				}
				if err := s.insertOrder(ctx, repo, order); err != nil {
					return err
				}
				total, err := repo.RecomputeOrderTotal(ctx, order.ID)
				if err != nil {
					return err
				}
				order.TotalAmount = total
				created = append(created, *order)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, input.ActorID, "subcontract:generate", 0, map[string]any{"orders": len(created)})
	return created, nil
}

// buildItem resolves the WO's outsourced routing step and prices the item
// from the operation wage rate unless overridden.
func (s *Service) buildItem(ctx context.Context, sel WorkOrderSelection) (OrderItem, error) {
	wo, err := s.wos.GetWorkOrder(ctx, sel.WorkOrderID)
	if err != nil {
		return OrderItem{}, err
	}
	mo, err := s.wos.Get(ctx, wo.MOID)
	if err != nil {
		return OrderItem{}, err
	}
	if mo.RoutingID == nil {
		return OrderItem{}, fmt.Errorf("work order %d: %w", wo.ID, ErrNoRoutingSteps)
	}
	steps, err := s.store.GetRoutingSteps(ctx, *mo.RoutingID)
	if err != nil {
		return OrderItem{}, fmt.Errorf("routing %d: %w", *mo.RoutingID, err)
	}
	step, ok := s.classifier.FirstOutsourced(steps)
	if !ok {
		return OrderItem{}, fmt.Errorf("work order %d: %w", wo.ID, ErrNoRoutingSteps)
	}

	price := step.WageRate
	if sel.Price != nil {
		price = *sel.Price
	}
	return OrderItem{
		WorkOrderID:   wo.ID,
		RoutingStepID: step.ID,
		OperationID:   step.OperationID,
		ProductID:     mo.ProductID,
		Quantity:      wo.Quantity,
		Price:         price,
		Amount:        wo.Quantity.Mul(price),
		Received:      decimal.Zero,
		Status:        ItemStatusPending,
	}, nil
}

// insertOrder allocates the next order number and inserts within the caller's
// transaction. The caller owns the collision retry: a unique violation aborts
// the whole transaction and must re-run it.
func (s *Service) insertOrder(ctx context.Context, repo Repository, order *Order) error {
	gen := numbering.NewGenerator(repo)
	code, err := gen.Next(ctx, numbering.KindSubcontractOrder, time.Now().UTC())
	if err != nil {
		return err
	}
	order.OrderNo = code
	return repo.InsertOrder(ctx, order)
}

// UpdateOrderStatus applies one edge of the order state machine.
func (s *Service) UpdateOrderStatus(ctx context.Context, id int64, target OrderStatus, actorID int64) (*Order, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := orderTransitions.Ensure(order.Status, target); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateOrderStatus(ctx, id, target); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actorID, "subcontract:status", id, map[string]any{"to": target})
	return s.repo.GetOrder(ctx, id)
}

// DeleteOrder removes a draft order with its items.
func (s *Service) DeleteOrder(ctx context.Context, id, actorID int64) error {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.Status != OrderStatusDraft {
		return ErrOrderNotDeletable
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.DeleteOrder(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "subcontract:delete", id, nil)
	return nil
}

// GetOrder loads one order with its items.
func (s *Service) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders returns orders matching the filter.
func (s *Service) ListOrders(ctx context.Context, f OrderFilter) ([]Order, int, error) {
	return s.repo.ListOrders(ctx, f)
}

// ReceiptItemInput is one line of a receipt.
type ReceiptItemInput struct {
	OrderItemID int64           `json:"orderItemId" validate:"required"`
	Quantity    decimal.Decimal `json:"receivedQuantity" validate:"required"`
}

// CreateReceiptInput describes a receipt against one order.
type CreateReceiptInput struct {
	OrderID int64              `json:"orderId" validate:"required"`
	Remark  string             `json:"remark"`
	Items   []ReceiptItemInput `json:"items" validate:"required,min=1,dive"`
	ActorID int64              `json:"-"`
}

// CreateReceipt records received quantities against order items. The whole
// receipt fails if any line would push an item's cumulative received quantity
// past its ordered quantity; nothing is persisted in that case.
func (s *Service) CreateReceipt(ctx context.Context, input CreateReceiptInput) (*Receipt, error) {
	for _, in := range input.Items {
		if !in.Quantity.IsPositive() {
			return nil, ErrInvalidQuantity
		}
	}

	receipt := &Receipt{
		OrderID:   input.OrderID,
		Status:    ReceiptStatusDraft,
		Remark:    input.Remark,
		CreatedBy: input.ActorID,
	}
	// The collision retry re-runs the whole transaction, including the cap
	// validation against a fresh read of prior receipts.
	err := numbering.WithRetry(func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			order, err := repo.GetOrder(ctx, input.OrderID)
			if err != nil {
				return err
			}
			itemByID := make(map[int64]OrderItem, len(order.Items))
			for _, it := range order.Items {
				itemByID[it.ID] = it
			}
			prior, err := repo.ReceivedTotals(ctx, order.ID)
			if err != nil {
				return err
			}

			// Cumulative totals per item including every line of this receipt.
			cumulative := make(map[int64]decimal.Decimal, len(input.Items))
			receipt.Items = receipt.Items[:0]
			for _, in := range input.Items {
				item, ok := itemByID[in.OrderItemID]
				if !ok {
					return fmt.Errorf("order item %d not part of order %d: %w", in.OrderItemID, order.ID, shared.ErrNotFound)
				}
				sum, ok := cumulative[item.ID]
				if !ok {
					sum = prior[item.ID]
				}
				sum = sum.Add(in.Quantity)
				if sum.GreaterThan(item.Quantity) {
					return fmt.Errorf("order item %d: %w", item.ID, ErrReceiptExceedsOrdered)
				}
				cumulative[item.ID] = sum
				receipt.Items = append(receipt.Items, ReceiptItem{OrderItemID: item.ID, Quantity: in.Quantity})
			}

			gen := numbering.NewGenerator(repo)
			code, err := gen.Next(ctx, numbering.KindSubcontractReceipt, time.Now().UTC())
			if err != nil {
				return err
			}
			receipt.ReceiptNo = code
			if err := repo.InsertReceipt(ctx, receipt); err != nil {
				return err
			}

			for itemID, sum := range cumulative {
				status := ItemStatusPartiallyReceived
				if sum.GreaterThanOrEqual(itemByID[itemID].Quantity) {
					status = ItemStatusReceived
				}
				if err := repo.UpdateItemProgress(ctx, itemID, sum, status); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, input.ActorID, "receipt:create", receipt.ID, map[string]any{"order_id": input.OrderID, "receipt_no": receipt.ReceiptNo})
	return s.repo.GetReceipt(ctx, receipt.ID)
}

// UpdateReceiptStatus applies one edge of the receipt state machine.
func (s *Service) UpdateReceiptStatus(ctx context.Context, id int64, target ReceiptStatus, actorID int64) (*Receipt, error) {
	receipt, err := s.repo.GetReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := receiptTransitions.Ensure(receipt.Status, target); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateReceiptStatus(ctx, id, target); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actorID, "receipt:status", id, map[string]any{"to": target})
	return s.repo.GetReceipt(ctx, id)
}

// GetReceipt loads one receipt with its lines.
func (s *Service) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	return s.repo.GetReceipt(ctx, id)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "subcontract_order",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
