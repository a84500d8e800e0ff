package manufacturing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/numbering"
)

// MaterialInput overrides a derived material line.
type MaterialInput struct {
	MaterialID  int64           `json:"materialId" validate:"required"`
	UnitID      int64           `json:"unitId"`
	Quantity    decimal.Decimal `json:"quantity" validate:"required"`
	WarehouseID *int64          `json:"warehouseId"`
}

// GenerateWOInput describes work order generation for an MO.
type GenerateWOInput struct {
	Quantity            decimal.Decimal `json:"quantity" validate:"required"`
	StepIDs             []int64         `json:"stepIds"`
	BatchSuffix         string          `json:"batchSuffix"`
	IssueWarehouseID    *int64          `json:"issueWarehouseId"`
	FinishedWarehouseID *int64          `json:"finishedWarehouseId"`
	PlannedStart        *time.Time      `json:"plannedStart"`
	PlannedEnd          *time.Time      `json:"plannedEnd"`
	Materials           []MaterialInput `json:"materials"`
	ActorID             int64           `json:"-"`
}

// GenerateWorkOrders creates a work order covering the requested routing steps
// of the MO. With no explicit step subset, a single WO spans the whole routing.
func (s *Service) GenerateWorkOrders(ctx context.Context, moID int64, input GenerateWOInput) (*WorkOrder, error) {
	if !input.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	mo, err := s.repo.GetMO(ctx, moID)
	if err != nil {
		return nil, err
	}
	if mo.Status != MOStatusConfirmed && mo.Status != MOStatusInProgress {
		return nil, ErrMONotActive
	}
	if mo.RoutingID == nil {
		return nil, ErrNoRouting
	}

	steps, err := s.store.GetRoutingSteps(ctx, *mo.RoutingID)
	if err != nil {
		return nil, fmt.Errorf("routing %d: %w", *mo.RoutingID, err)
	}
	if len(steps) == 0 {
		return nil, ErrNoRouting
	}

	attached, err := selectSteps(steps, input.StepIDs)
	if err != nil {
		return nil, err
	}
	seqStart, seqEnd := sequenceRange(attached)

	existing, err := s.repo.ListWOsByMO(ctx, moID)
	if err != nil {
		return nil, err
	}
	remaining := remainingQuantity(mo.Quantity, existing, seqStart)
	if input.Quantity.GreaterThan(remaining) {
		return nil, fmt.Errorf("%w: requested %s, remaining %s", ErrQuantityExceedsRemaining, input.Quantity, remaining)
	}

	materials, err := s.buildMaterialLines(ctx, mo, input)
	if err != nil {
		return nil, err
	}

	stepIDs := make([]int64, 0, len(attached))
	for _, st := range attached {
		stepIDs = append(stepIDs, st.ID)
	}
	operationID := attached[0].OperationID

	wo := &WorkOrder{
		MOID:                moID,
		OperationID:         &operationID,
		SequenceStart:       seqStart,
		SequenceEnd:         seqEnd,
		Quantity:            input.Quantity,
		IssueWarehouseID:    input.IssueWarehouseID,
		FinishedWarehouseID: input.FinishedWarehouseID,
		PlannedStart:        input.PlannedStart,
		PlannedEnd:          input.PlannedEnd,
		Status:              WOStatusDraft,
		StepIDs:             stepIDs,
		Materials:           materials,
		CreatedBy:           input.ActorID,
	}
	if wo.IssueWarehouseID == nil {
		wo.IssueWarehouseID = mo.WarehouseID
	}

	now := time.Now().UTC()
	// A collision aborts the transaction; each attempt re-runs it and picks
	// fresh batch and order numbers.
	err = numbering.WithRetry(func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			batchNo, err := s.nextBatchNo(ctx, repo, moID, now, input.BatchSuffix)
			if err != nil {
				return err
			}
			wo.BatchNo = batchNo

			gen := numbering.NewGenerator(repo)
			code, err := gen.Next(ctx, numbering.KindWorkOrder, now)
			if err != nil {
				return err
			}
			wo.OrderNo = code
			return repo.InsertWO(ctx, wo)
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, input.ActorID, "wo:generate", wo.ID, map[string]any{"mo_id": moID, "order_no": wo.OrderNo, "batch_no": wo.BatchNo})
	return s.repo.GetWO(ctx, wo.ID)
}

// selectSteps keeps the requested subset, or all steps when none requested.
func selectSteps(steps []masterdata.RoutingStep, stepIDs []int64) ([]masterdata.RoutingStep, error) {
	if len(stepIDs) == 0 {
		return steps, nil
	}
	byID := make(map[int64]masterdata.RoutingStep, len(steps))
	for _, st := range steps {
		byID[st.ID] = st
	}
	var attached []masterdata.RoutingStep
	for _, id := range stepIDs {
		st, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: step %d", ErrUnknownStep, id)
		}
		attached = append(attached, st)
	}
	return attached, nil
}

func sequenceRange(steps []masterdata.RoutingStep) (int, int) {
	start, end := steps[0].Sequence, steps[0].Sequence
	for _, st := range steps[1:] {
		if st.Sequence < start {
			start = st.Sequence
		}
		if st.Sequence > end {
			end = st.Sequence
		}
	}
	return start, end
}

// remainingQuantity counts only WOs anchored at the same routing step as the
// new one: the MO quantity flows through every step, so each anchor step may
// carry up to the full quantity.
func remainingQuantity(moQuantity decimal.Decimal, existing []WorkOrder, seqStart int) decimal.Decimal {
	consumed := decimal.Zero
	for _, wo := range existing {
		if wo.Status == WOStatusCancelled || wo.SequenceStart != seqStart {
			continue
		}
		consumed = consumed.Add(wo.Quantity)
	}
	return moQuantity.Sub(consumed)
}

// buildMaterialLines uses the explicit lines when given, otherwise derives
// them from the MO's BOM at the WO quantity ratio.
func (s *Service) buildMaterialLines(ctx context.Context, mo *ManufacturingOrder, input GenerateWOInput) ([]WorkOrderMaterial, error) {
	if len(input.Materials) > 0 {
		var lines []WorkOrderMaterial
		for _, m := range input.Materials {
			if !m.Quantity.IsPositive() {
				continue
			}
			warehouseID := m.WarehouseID
			if warehouseID == nil {
				warehouseID = input.IssueWarehouseID
			}
			lines = append(lines, WorkOrderMaterial{
				MaterialID:  m.MaterialID,
				UnitID:      m.UnitID,
				Quantity:    m.Quantity,
				WarehouseID: warehouseID,
			})
		}
		return lines, nil
	}

	if mo.BOMID == nil {
		return nil, nil
	}
	bom, err := s.store.GetBOM(ctx, *mo.BOMID)
	if err != nil {
		return nil, fmt.Errorf("bom %d: %w", *mo.BOMID, err)
	}
	ratio := input.Quantity
	if bom.BaseQuantity.IsPositive() {
		ratio = input.Quantity.Div(bom.BaseQuantity)
	}
	var lines []WorkOrderMaterial
	for _, line := range bom.Lines {
		qty := line.Quantity.Mul(ratio)
		if qty.IsZero() {
			continue
		}
		warehouseID := line.WarehouseID
		if warehouseID == nil {
			warehouseID = input.IssueWarehouseID
		}
		lines = append(lines, WorkOrderMaterial{
			MaterialID:  line.MaterialID,
			UnitID:      line.UnitID,
			Quantity:    qty,
			WarehouseID: warehouseID,
		})
	}
	return lines, nil
}

// nextBatchNo builds LOT-YYYYMMDD-NNNN[-SUFFIX], unique per MO and day.
func (s *Service) nextBatchNo(ctx context.Context, repo Repository, moID int64, date time.Time, suffix string) (string, error) {
	prefix := "LOT-" + date.Format("20060102")
	max, err := repo.MaxBatchIndex(ctx, moID, prefix)
	if err != nil {
		return "", fmt.Errorf("scan batch numbers: %w", err)
	}
	batch := fmt.Sprintf("%s-%04d", prefix, max+1)
	if suffix != "" {
		batch += "-" + suffix
	}
	return batch, nil
}

// UpdateWorkOrderStatus applies a WO transition and derives the owning MO's
// progress from it.
func (s *Service) UpdateWorkOrderStatus(ctx context.Context, id int64, target WOStatus, actorID int64) (*WorkOrder, error) {
	wo, err := s.repo.GetWO(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := woTransitions.Ensure(wo.Status, target); err != nil {
		return nil, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.UpdateWOStatus(ctx, id, target, actorID); err != nil {
			return err
		}
		return s.deriveMOProgress(ctx, repo, wo.MOID, target, actorID)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "wo:status", id, map[string]any{"to": target})
	return s.repo.GetWO(ctx, id)
}

// deriveMOProgress moves the MO to in_progress when work starts and to
// completed once every non-cancelled WO has completed.
func (s *Service) deriveMOProgress(ctx context.Context, repo Repository, moID int64, target WOStatus, actorID int64) error {
	mo, err := repo.GetMO(ctx, moID)
	if err != nil {
		return err
	}
	switch target {
	case WOStatusInProgress:
		if mo.Status == MOStatusConfirmed {
			return repo.UpdateMOStatus(ctx, moID, MOStatusInProgress, actorID)
		}
	case WOStatusCompleted:
		if mo.Status != MOStatusInProgress {
			return nil
		}
		// The status update above is visible inside this transaction, so a
		// plain scan over siblings is enough.
		wos, err := repo.ListWOsByMO(ctx, moID)
		if err != nil {
			return err
		}
		for _, sibling := range wos {
			if sibling.Status != WOStatusCompleted && sibling.Status != WOStatusCancelled {
				return nil
			}
		}
		return repo.UpdateMOStatus(ctx, moID, MOStatusCompleted, actorID)
	}
	return nil
}

// CreateWorkOrder creates a standalone draft WO with explicit fields, used by
// the direct create endpoint.
func (s *Service) CreateWorkOrder(ctx context.Context, moID int64, input GenerateWOInput) (*WorkOrder, error) {
	return s.GenerateWorkOrders(ctx, moID, input)
}

// DeleteWorkOrder removes a draft or cancelled WO with its material lines and
// routing-step links.
func (s *Service) DeleteWorkOrder(ctx context.Context, id, actorID int64) error {
	wo, err := s.repo.GetWO(ctx, id)
	if err != nil {
		return err
	}
	if wo.Status != WOStatusDraft && wo.Status != WOStatusCancelled {
		return ErrWONotDeletable
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.DeleteWO(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "wo:delete", id, nil)
	return nil
}

// GetWorkOrder loads one WO with lines and step links.
func (s *Service) GetWorkOrder(ctx context.Context, id int64) (*WorkOrder, error) {
	return s.repo.GetWO(ctx, id)
}

// ListWorkOrders returns the WOs of an MO.
func (s *Service) ListWorkOrders(ctx context.Context, moID int64) ([]WorkOrder, error) {
	return s.repo.ListWOsByMO(ctx, moID)
}
