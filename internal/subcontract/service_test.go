package subcontract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/forge-mes/forge-mes/internal/manufacturing"
	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/numbering"
	"github.com/forge-mes/forge-mes/internal/planning"
	"github.com/forge-mes/forge-mes/internal/shared"
)

type memoryRepo struct {
	orderSeq    int64
	itemSeq     int64
	receiptSeq  int64
	rcptItem    int64
	orders      map[int64]*Order
	receipts    map[int64]*Receipt
	hasItemHook func() // runs once after an eligibility check, before the insert
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{orders: map[int64]*Order{}, receipts: map[int64]*Receipt{}}
}

func (m *memoryRepo) LastCode(_ context.Context, kind numbering.Kind, prefix string) (string, error) {
	var codes []string
	if kind == numbering.KindSubcontractReceipt {
		for _, r := range m.receipts {
			if strings.HasPrefix(r.ReceiptNo, prefix) {
				codes = append(codes, r.ReceiptNo)
			}
		}
	} else {
		for _, o := range m.orders {
			if strings.HasPrefix(o.OrderNo, prefix) {
				codes = append(codes, o.OrderNo)
			}
		}
	}
	if len(codes) == 0 {
		return "", nil
	}
	sort.Strings(codes)
	return codes[len(codes)-1], nil
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) hasActiveItem(woID int64) bool {
	for _, o := range m.orders {
		for _, it := range o.Items {
			if it.WorkOrderID == woID && it.Status != ItemStatusCancelled {
				return true
			}
		}
	}
	return false
}

func (m *memoryRepo) InsertOrder(_ context.Context, order *Order) error {
	// Mirrors the partial unique index on active items per work order.
	for _, it := range order.Items {
		if m.hasActiveItem(it.WorkOrderID) {
			return fmt.Errorf("work order %d: %w", it.WorkOrderID, ErrWorkOrderAlreadySubcontracted)
		}
	}
	m.orderSeq++
	order.ID = m.orderSeq
	for i := range order.Items {
		m.itemSeq++
		order.Items[i].ID = m.itemSeq
		order.Items[i].OrderID = order.ID
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memoryRepo) GetOrder(_ context.Context, id int64) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("subcontract order %d: %w", id, shared.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (m *memoryRepo) ListOrders(_ context.Context, f OrderFilter) ([]Order, int, error) {
	var out []Order
	for _, o := range m.orders {
		if f.SupplierID != nil && o.SupplierID != *f.SupplierID {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		out = append(out, *cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (m *memoryRepo) UpdateOrderStatus(_ context.Context, id int64, status OrderStatus) error {
	o, ok := m.orders[id]
	if !ok {
		return shared.ErrNotFound
	}
	o.Status = status
	return nil
}

func (m *memoryRepo) DeleteOrder(_ context.Context, id int64) error {
	delete(m.orders, id)
	return nil
}

func (m *memoryRepo) RecomputeOrderTotal(_ context.Context, orderID int64) (decimal.Decimal, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return decimal.Zero, shared.ErrNotFound
	}
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Amount)
	}
	o.TotalAmount = total
	return total, nil
}

func (m *memoryRepo) HasItemForWorkOrder(_ context.Context, woID int64) (bool, error) {
	exists := m.hasActiveItem(woID)
	if m.hasItemHook != nil {
		hook := m.hasItemHook
		m.hasItemHook = nil
		hook()
	}
	return exists, nil
}

func (m *memoryRepo) InsertReceipt(_ context.Context, receipt *Receipt) error {
	m.receiptSeq++
	receipt.ID = m.receiptSeq
	for i := range receipt.Items {
		m.rcptItem++
		receipt.Items[i].ID = m.rcptItem
		receipt.Items[i].ReceiptID = receipt.ID
	}
	cp := *receipt
	cp.Items = append([]ReceiptItem(nil), receipt.Items...)
	m.receipts[cp.ID] = &cp
	return nil
}

func (m *memoryRepo) GetReceipt(_ context.Context, id int64) (*Receipt, error) {
	r, ok := m.receipts[id]
	if !ok {
		return nil, fmt.Errorf("subcontract receipt %d: %w", id, shared.ErrNotFound)
	}
	cp := *r
	cp.Items = append([]ReceiptItem(nil), r.Items...)
	return &cp, nil
}

func (m *memoryRepo) UpdateReceiptStatus(_ context.Context, id int64, status ReceiptStatus) error {
	r, ok := m.receipts[id]
	if !ok {
		return shared.ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *memoryRepo) ReceivedTotals(_ context.Context, orderID int64) (map[int64]decimal.Decimal, error) {
	totals := map[int64]decimal.Decimal{}
	for _, r := range m.receipts {
		if r.OrderID != orderID {
			continue
		}
		for _, it := range r.Items {
			totals[it.OrderItemID] = totals[it.OrderItemID].Add(it.Quantity)
		}
	}
	return totals, nil
}

func (m *memoryRepo) UpdateItemProgress(_ context.Context, itemID int64, received decimal.Decimal, status ItemStatus) error {
	for _, o := range m.orders {
		for i := range o.Items {
			if o.Items[i].ID == itemID {
				o.Items[i].Received = received
				o.Items[i].Status = status
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]OrderItem(nil), o.Items...)
	return &cp
}

type fakeStore struct {
	suppliers map[int64]*masterdata.Supplier
	routings  map[int64][]masterdata.RoutingStep
}

func (f *fakeStore) GetProduct(context.Context, int64) (*masterdata.Product, error) {
	return nil, shared.ErrNotFound
}

func (f *fakeStore) GetBOM(context.Context, int64) (*masterdata.BOM, error) {
	return nil, shared.ErrNotFound
}

func (f *fakeStore) GetActiveBOM(context.Context, int64) (*masterdata.BOM, error) {
	return nil, shared.ErrNotFound
}

func (f *fakeStore) GetRoutingSteps(_ context.Context, routingID int64) ([]masterdata.RoutingStep, error) {
	return f.routings[routingID], nil
}

func (f *fakeStore) ListStock(context.Context, int64, *int64) ([]masterdata.StockRecord, error) {
	return nil, nil
}

func (f *fakeStore) GetSupplier(_ context.Context, id int64) (*masterdata.Supplier, error) {
	s, ok := f.suppliers[id]
	if !ok {
		return nil, fmt.Errorf("supplier %d: %w", id, shared.ErrNotFound)
	}
	return s, nil
}

func (f *fakeStore) ListSalesOrderLines(context.Context, int64) ([]masterdata.SalesOrderLine, error) {
	return nil, nil
}

type fakeWOs struct {
	wos map[int64]*manufacturing.WorkOrder
	mos map[int64]*manufacturing.ManufacturingOrder
}

func (f *fakeWOs) GetWorkOrder(_ context.Context, id int64) (*manufacturing.WorkOrder, error) {
	wo, ok := f.wos[id]
	if !ok {
		return nil, fmt.Errorf("work order %d: %w", id, shared.ErrNotFound)
	}
	return wo, nil
}

func (f *fakeWOs) Get(_ context.Context, id int64) (*manufacturing.ManufacturingOrder, error) {
	mo, ok := f.mos[id]
	if !ok {
		return nil, fmt.Errorf("manufacturing order %d: %w", id, shared.ErrNotFound)
	}
	return mo, nil
}

func ptr[T any](v T) *T { return &v }

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func fixture() (*memoryRepo, *fakeWOs, *Service) {
	repo := newMemoryRepo()
	store := &fakeStore{
		suppliers: map[int64]*masterdata.Supplier{
			20: {ID: 20, Code: "SUP-A", Name: "Anode Plating Co"},
			21: {ID: 21, Code: "SUP-B", Name: "Brightline Finishing"},
		},
		routings: map[int64][]masterdata.RoutingStep{
			30: {
				{ID: 301, RoutingID: 30, Sequence: 10, OperationID: 41, WorkcenterType: "cnc", WageRate: dec("0.4")},
				{ID: 302, RoutingID: 30, Sequence: 20, OperationID: 42, WorkcenterType: "outsource", WageRate: dec("1.5")},
			},
			31: {
				{ID: 311, RoutingID: 31, Sequence: 10, OperationID: 43, WorkcenterType: "assembly", WageRate: dec("0.8")},
			},
		},
	}
	wos := &fakeWOs{
		wos: map[int64]*manufacturing.WorkOrder{
			50: {ID: 50, MOID: 60, Quantity: dec("20")},
			51: {ID: 51, MOID: 60, Quantity: dec("5")},
			52: {ID: 52, MOID: 61, Quantity: dec("8")},
			53: {ID: 53, MOID: 62, Quantity: dec("3")},
		},
		mos: map[int64]*manufacturing.ManufacturingOrder{
			60: {ID: 60, ProductID: 1, RoutingID: ptr(int64(30))},
			61: {ID: 61, ProductID: 2, RoutingID: ptr(int64(31))},
			62: {ID: 62, ProductID: 3},
		},
	}
	svc := NewService(repo, store, wos, planning.NewOutsourceClassifier(), nil, nil)
	return repo, wos, svc
}

func TestGenerateByWorkOrdersBuildsSupplierOrders(t *testing.T) {
	_, _, svc := fixture()

	orders, err := svc.GenerateByWorkOrders(context.Background(), GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{
			{WorkOrderID: 50},
			{WorkOrderID: 51, SupplierID: ptr(int64(21)), Price: ptr(dec("2"))},
		},
		ActorID: 9,
	})
	require.NoError(t, err)
	require.Len(t, orders, 2)

	first := orders[0]
	require.Regexp(t, `^SC\d{8}0001$`, first.OrderNo)
	require.Equal(t, int64(20), first.SupplierID)
	require.Equal(t, OrderStatusDraft, first.Status)
	require.Len(t, first.Items, 1)

	item := first.Items[0]
	require.Equal(t, int64(50), item.WorkOrderID)
	require.Equal(t, int64(302), item.RoutingStepID) // the outsourced step
	require.Equal(t, int64(42), item.OperationID)
	require.Equal(t, int64(1), item.ProductID)
	require.Equal(t, "20", item.Quantity.String())
	require.Equal(t, "1.5", item.Price.String()) // wage rate default
	require.Equal(t, "30", item.Amount.String())
	require.Equal(t, ItemStatusPending, item.Status)
	require.Equal(t, "30", first.TotalAmount.String())

	second := orders[1]
	require.Equal(t, int64(21), second.SupplierID)
	require.Equal(t, "2", second.Items[0].Price.String()) // override wins
	require.Equal(t, "10", second.TotalAmount.String())
}

func TestGenerateSkipsAlreadySubcontractedWorkOrders(t *testing.T) {
	_, _, svc := fixture()
	ctx := context.Background()

	_, err := svc.GenerateByWorkOrders(ctx, GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 50}},
	})
	require.NoError(t, err)

	// Re-running with the same WO plus a fresh one only picks up the fresh one.
	orders, err := svc.GenerateByWorkOrders(ctx, GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 50}, {WorkOrderID: 51}},
	})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Len(t, orders[0].Items, 1)
	require.Equal(t, int64(51), orders[0].Items[0].WorkOrderID)

	// Nothing left to generate.
	_, err = svc.GenerateByWorkOrders(ctx, GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 50}},
	})
	require.ErrorIs(t, err, ErrNoEligibleWorkOrders)
}

func TestGenerateConcurrentDuplicateWorkOrderFailsCleanly(t *testing.T) {
	repo, _, svc := fixture()
	ctx := context.Background()

	// A second generator slips in between the eligibility check and the
	// insert; the one-active-item-per-WO index rejects the loser whole.
	repo.hasItemHook = func() {
		competitor := &Order{
			OrderNo:    "SC202501010001",
			SupplierID: 21,
			Status:     OrderStatusDraft,
			Items: []OrderItem{
				{WorkOrderID: 50, RoutingStepID: 302, OperationID: 42, ProductID: 1, Quantity: dec("20"), Price: dec("1.5"), Amount: dec("30"), Status: ItemStatusPending},
			},
		}
		require.NoError(t, repo.InsertOrder(ctx, competitor))
	}

	_, err := svc.GenerateByWorkOrders(ctx, GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 50}},
	})
	require.ErrorIs(t, err, ErrWorkOrderAlreadySubcontracted)
	require.Len(t, repo.orders, 1) // only the winner's order remains

	// A re-run sees the winner's item and skips the work order.
	_, err = svc.GenerateByWorkOrders(ctx, GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 50}},
	})
	require.ErrorIs(t, err, ErrNoEligibleWorkOrders)
}

func TestGenerateFallsBackToFirstRoutingStep(t *testing.T) {
	_, _, svc := fixture()

	// Routing 31 has no outsourced step; the first step is used.
	orders, err := svc.GenerateByWorkOrders(context.Background(), GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 52}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(311), orders[0].Items[0].RoutingStepID)
	require.Equal(t, "0.8", orders[0].Items[0].Price.String())
}

func TestGenerateRequiresRouting(t *testing.T) {
	_, _, svc := fixture()

	_, err := svc.GenerateByWorkOrders(context.Background(), GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 53}},
	})
	require.ErrorIs(t, err, ErrNoRoutingSteps)
}

func TestCreateOrderValidatesSupplierAndQuantities(t *testing.T) {
	_, _, svc := fixture()
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 999,
		Items:      []OrderItemInput{{WorkOrderID: 50, RoutingStepID: 302, ProductID: 1, Quantity: dec("1")}},
	})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 20,
		Items:      []OrderItemInput{{WorkOrderID: 50, RoutingStepID: 302, ProductID: 1, Quantity: decimal.Zero}},
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	order, err := svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 20,
		Items: []OrderItemInput{
			{WorkOrderID: 50, RoutingStepID: 302, OperationID: 42, ProductID: 1, Quantity: dec("20"), Price: dec("1.5")},
			{WorkOrderID: 51, RoutingStepID: 302, OperationID: 42, ProductID: 1, Quantity: dec("5"), Price: dec("2")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "40", order.TotalAmount.String()) // 30 + 10
}

func TestOrderStatusStateMachine(t *testing.T) {
	_, _, svc := fixture()
	ctx := context.Background()

	orders, err := svc.GenerateByWorkOrders(ctx, GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 50}},
	})
	require.NoError(t, err)
	id := orders[0].ID

	// Draft cannot jump straight to received.
	_, err = svc.UpdateOrderStatus(ctx, id, OrderStatusReceived, 1)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	for _, status := range []OrderStatus{OrderStatusReleased, OrderStatusInProgress, OrderStatusReceived, OrderStatusCompleted} {
		order, err := svc.UpdateOrderStatus(ctx, id, status, 1)
		require.NoError(t, err)
		require.Equal(t, status, order.Status)
	}

	// Completed is terminal.
	_, err = svc.UpdateOrderStatus(ctx, id, OrderStatusCancelled, 1)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestDeleteOrderGuardsNonDraft(t *testing.T) {
	repo, _, svc := fixture()
	ctx := context.Background()

	orders, err := svc.GenerateByWorkOrders(ctx, GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 50}},
	})
	require.NoError(t, err)
	id := orders[0].ID

	_, err = svc.UpdateOrderStatus(ctx, id, OrderStatusReleased, 1)
	require.NoError(t, err)
	require.ErrorIs(t, svc.DeleteOrder(ctx, id, 1), ErrOrderNotDeletable)

	repo.orders[id].Status = OrderStatusDraft
	require.NoError(t, svc.DeleteOrder(ctx, id, 1))
	require.Empty(t, repo.orders)
}

// receiptFixture generates one order for WO 50 (quantity 20) and returns the
// order item id.
func receiptFixture(t *testing.T, svc *Service) (orderID, itemID int64) {
	t.Helper()
	orders, err := svc.GenerateByWorkOrders(context.Background(), GenerateInput{
		SupplierID: 20,
		Selections: []WorkOrderSelection{{WorkOrderID: 50}},
	})
	require.NoError(t, err)
	return orders[0].ID, orders[0].Items[0].ID
}

func TestCreateReceiptTracksCumulativeProgress(t *testing.T) {
	repo, _, svc := fixture()
	ctx := context.Background()
	orderID, itemID := receiptFixture(t, svc)

	receipt, err := svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID: orderID,
		Items:   []ReceiptItemInput{{OrderItemID: itemID, Quantity: dec("12")}},
		ActorID: 9,
	})
	require.NoError(t, err)
	require.Regexp(t, `^SR\d{8}0001$`, receipt.ReceiptNo)
	require.Equal(t, ReceiptStatusDraft, receipt.Status)

	order, err := svc.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, "12", order.Items[0].Received.String())
	require.Equal(t, ItemStatusPartiallyReceived, order.Items[0].Status)

	// The remainder completes the item.
	_, err = svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID: orderID,
		Items:   []ReceiptItemInput{{OrderItemID: itemID, Quantity: dec("8")}},
	})
	require.NoError(t, err)

	order, err = svc.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, "20", order.Items[0].Received.String())
	require.Equal(t, ItemStatusReceived, order.Items[0].Status)
	require.Len(t, repo.receipts, 2)
}

func TestCreateReceiptRejectsOverReceipt(t *testing.T) {
	repo, _, svc := fixture()
	ctx := context.Background()
	orderID, itemID := receiptFixture(t, svc)

	_, err := svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID: orderID,
		Items:   []ReceiptItemInput{{OrderItemID: itemID, Quantity: dec("15")}},
	})
	require.NoError(t, err)

	// 15 received, 20 ordered: 6 more would overshoot. The whole receipt is
	// rejected and nothing changes.
	_, err = svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID: orderID,
		Items:   []ReceiptItemInput{{OrderItemID: itemID, Quantity: dec("6")}},
	})
	require.ErrorIs(t, err, ErrReceiptExceedsOrdered)
	require.Len(t, repo.receipts, 1)

	order, err := svc.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, "15", order.Items[0].Received.String())
}

func TestCreateReceiptSumsDuplicateLines(t *testing.T) {
	_, _, svc := fixture()
	ctx := context.Background()
	orderID, itemID := receiptFixture(t, svc)

	// Two lines for the same item inside one receipt count together.
	_, err := svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID: orderID,
		Items: []ReceiptItemInput{
			{OrderItemID: itemID, Quantity: dec("12")},
			{OrderItemID: itemID, Quantity: dec("12")},
		},
	})
	require.ErrorIs(t, err, ErrReceiptExceedsOrdered)

	receipt, err := svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID: orderID,
		Items: []ReceiptItemInput{
			{OrderItemID: itemID, Quantity: dec("12")},
			{OrderItemID: itemID, Quantity: dec("8")},
		},
	})
	require.NoError(t, err)
	require.Len(t, receipt.Items, 2)

	order, err := svc.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, "20", order.Items[0].Received.String())
	require.Equal(t, ItemStatusReceived, order.Items[0].Status)
}

func TestCreateReceiptRejectsForeignOrderItem(t *testing.T) {
	_, _, svc := fixture()
	ctx := context.Background()
	orderID, _ := receiptFixture(t, svc)

	_, err := svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID: orderID,
		Items:   []ReceiptItemInput{{OrderItemID: 999, Quantity: dec("1")}},
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreateReceiptRejectsNonPositiveQuantity(t *testing.T) {
	_, _, svc := fixture()
	orderID, itemID := receiptFixture(t, svc)

	_, err := svc.CreateReceipt(context.Background(), CreateReceiptInput{
		OrderID: orderID,
		Items:   []ReceiptItemInput{{OrderItemID: itemID, Quantity: dec("-1")}},
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestReceiptStatusStateMachine(t *testing.T) {
	_, _, svc := fixture()
	ctx := context.Background()
	orderID, itemID := receiptFixture(t, svc)

	receipt, err := svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID: orderID,
		Items:   []ReceiptItemInput{{OrderItemID: itemID, Quantity: dec("5")}},
	})
	require.NoError(t, err)

	// Draft cannot post directly.
	_, err = svc.UpdateReceiptStatus(ctx, receipt.ID, ReceiptStatusPosted, 1)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	confirmed, err := svc.UpdateReceiptStatus(ctx, receipt.ID, ReceiptStatusConfirmed, 1)
	require.NoError(t, err)
	require.Equal(t, ReceiptStatusConfirmed, confirmed.Status)

	posted, err := svc.UpdateReceiptStatus(ctx, receipt.ID, ReceiptStatusPosted, 1)
	require.NoError(t, err)
	require.Equal(t, ReceiptStatusPosted, posted.Status)

	_, err = svc.UpdateReceiptStatus(ctx, receipt.ID, ReceiptStatusDraft, 1)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}
