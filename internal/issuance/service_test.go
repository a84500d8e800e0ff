package issuance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/forge-mes/forge-mes/internal/manufacturing"
	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/numbering"
	"github.com/forge-mes/forge-mes/internal/shared"
)

type memoryRepo struct {
	orderSeq   int64
	itemSeq    int64
	orders     map[int64]*MaterialIssueOrder
	stock      map[int64]*masterdata.StockRecord
	issuedWO   map[int64]bool // woMaterialID -> is_issued
	insertHook func() error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		orders:   map[int64]*MaterialIssueOrder{},
		stock:    map[int64]*masterdata.StockRecord{},
		issuedWO: map[int64]bool{},
	}
}

func (m *memoryRepo) LastCode(_ context.Context, _ numbering.Kind, prefix string) (string, error) {
	var codes []string
	for _, o := range m.orders {
		if strings.HasPrefix(o.OrderNo, prefix) {
			codes = append(codes, o.OrderNo)
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

func (m *memoryRepo) Insert(_ context.Context, order *MaterialIssueOrder) error {
	if m.insertHook != nil {
		if err := m.insertHook(); err != nil {
			return err
		}
	}
	for _, o := range m.orders {
		if o.WorkOrderID == order.WorkOrderID {
			return &pgconn.PgError{Code: "23505"}
		}
	}
	m.orderSeq++
	order.ID = m.orderSeq
	for i := range order.Items {
		m.itemSeq++
		order.Items[i].ID = m.itemSeq
		order.Items[i].OrderID = order.ID
	}
	cp := cloneOrder(order)
	m.orders[order.ID] = cp
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (*MaterialIssueOrder, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("material issue order %d: %w", id, shared.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (m *memoryRepo) GetByWorkOrder(_ context.Context, woID int64) (*MaterialIssueOrder, error) {
	for _, o := range m.orders {
		if o.WorkOrderID == woID {
			return cloneOrder(o), nil
		}
	}
	return nil, fmt.Errorf("issue order for work order %d: %w", woID, shared.ErrNotFound)
}

func (m *memoryRepo) UpdateItem(_ context.Context, item *MaterialIssueItem) error {
	o, ok := m.orders[item.OrderID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range o.Items {
		if o.Items[i].ID == item.ID {
			o.Items[i] = *item
			return nil
		}
	}
	return shared.ErrNotFound
}

func (m *memoryRepo) UpdateStatus(_ context.Context, orderID int64, status IssueStatus) error {
	o, ok := m.orders[orderID]
	if !ok {
		return shared.ErrNotFound
	}
	o.Status = status
	return nil
}

func (m *memoryRepo) ListStockForUpdate(_ context.Context, materialID int64, warehouseID *int64) ([]masterdata.StockRecord, error) {
	var out []masterdata.StockRecord
	for _, rec := range m.stock {
		if rec.MaterialID != materialID {
			continue
		}
		if warehouseID != nil && rec.WarehouseID != *warehouseID {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}

func (m *memoryRepo) AddStockQuantity(_ context.Context, stockID int64, delta decimal.Decimal) error {
	rec, ok := m.stock[stockID]
	if !ok {
		return shared.ErrNotFound
	}
	rec.Quantity = rec.Quantity.Add(delta)
	return nil
}

func (m *memoryRepo) MarkWOMaterialIssued(_ context.Context, woMaterialID int64) error {
	m.issuedWO[woMaterialID] = true
	return nil
}

func cloneOrder(o *MaterialIssueOrder) *MaterialIssueOrder {
	cp := *o
	cp.Items = append([]MaterialIssueItem(nil), o.Items...)
	return &cp
}

type fakeWOs struct {
	wos map[int64]*manufacturing.WorkOrder
}

func (f *fakeWOs) GetWorkOrder(_ context.Context, id int64) (*manufacturing.WorkOrder, error) {
	wo, ok := f.wos[id]
	if !ok {
		return nil, fmt.Errorf("work order %d: %w", id, shared.ErrNotFound)
	}
	return wo, nil
}

func ptr[T any](v T) *T { return &v }

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func fixture() (*memoryRepo, *Service) {
	repo := newMemoryRepo()
	wos := &fakeWOs{wos: map[int64]*manufacturing.WorkOrder{
		50: {
			ID:               50,
			IssueWarehouseID: ptr(int64(1)),
			Quantity:         dec("20"),
			Materials: []manufacturing.WorkOrderMaterial{
				{ID: 700, WorkOrderID: 50, MaterialID: 100, UnitID: 3, Quantity: dec("10")},
				{ID: 701, WorkOrderID: 50, MaterialID: 101, UnitID: 3, Quantity: dec("4")},
			},
		},
		51: {ID: 51, Quantity: dec("5")},
	}}
	return repo, NewService(repo, wos, nil, nil)
}

func seedStock(repo *memoryRepo, id, materialID, warehouseID int64, qty, reserved string) {
	repo.stock[id] = &masterdata.StockRecord{
		ID:          id,
		MaterialID:  materialID,
		WarehouseID: warehouseID,
		Quantity:    dec(qty),
		Reserved:    dec(reserved),
	}
}

func TestCreateForWorkOrderMirrorsMaterialLines(t *testing.T) {
	_, svc := fixture()

	order, err := svc.CreateForWorkOrder(context.Background(), 50, 9)
	require.NoError(t, err)
	require.Regexp(t, `^MI\d{8}0001$`, order.OrderNo)
	require.Equal(t, StatusPrepared, order.Status)
	require.Equal(t, int64(50), order.WorkOrderID)

	require.Len(t, order.Items, 2)
	require.Equal(t, int64(700), order.Items[0].WOMaterialID)
	require.Equal(t, "10", order.Items[0].Required.String())
	require.True(t, order.Items[0].Issued.IsZero())
	require.Equal(t, "10", order.Items[0].Pending.String())
}

func TestCreateForWorkOrderIsIdempotent(t *testing.T) {
	repo, svc := fixture()
	ctx := context.Background()

	first, err := svc.CreateForWorkOrder(ctx, 50, 1)
	require.NoError(t, err)
	second, err := svc.CreateForWorkOrder(ctx, 50, 1)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.OrderNo, second.OrderNo)
	require.Len(t, repo.orders, 1)
}

func TestCreateForWorkOrderLosingRaceReturnsWinner(t *testing.T) {
	repo, svc := fixture()
	ctx := context.Background()

	// A concurrent creator slips in between the existence check and the
	// insert; the unique work_order_id index rejects the loser.
	repo.insertHook = func() error {
		repo.insertHook = nil
		winner := &MaterialIssueOrder{
			WorkOrderID: 50,
			OrderNo:     "MI202501010001",
			Status:      StatusPrepared,
		}
		require.NoError(t, repo.Insert(ctx, winner))
		return &pgconn.PgError{Code: "23505"}
	}

	order, err := svc.CreateForWorkOrder(ctx, 50, 1)
	require.NoError(t, err)
	require.Equal(t, "MI202501010001", order.OrderNo)
	require.Len(t, repo.orders, 1)
}

func TestCreateForWorkOrderRejectsEmptyWO(t *testing.T) {
	_, svc := fixture()

	_, err := svc.CreateForWorkOrder(context.Background(), 51, 1)
	require.ErrorIs(t, err, ErrNoMaterialLines)
}

func TestIssueItemFullQuantity(t *testing.T) {
	repo, svc := fixture()
	ctx := context.Background()
	seedStock(repo, 1, 100, 1, "50", "0")

	order, err := svc.CreateForWorkOrder(ctx, 50, 1)
	require.NoError(t, err)

	updated, err := svc.IssueItem(ctx, order.ID, order.Items[0].ID, dec("10"), 1)
	require.NoError(t, err)

	item := updated.Items[0]
	require.Equal(t, "10", item.Issued.String())
	require.True(t, item.Pending.IsZero())
	require.Equal(t, StatusPartiallyIssued, updated.Status)
	require.Equal(t, "40", repo.stock[1].Quantity.String())
	require.True(t, repo.issuedWO[700])
}

func TestIssueItemClampsToOutstanding(t *testing.T) {
	repo, svc := fixture()
	ctx := context.Background()
	seedStock(repo, 1, 100, 1, "100", "0")

	order, err := svc.CreateForWorkOrder(ctx, 50, 1)
	require.NoError(t, err)

	updated, err := svc.IssueItem(ctx, order.ID, order.Items[0].ID, dec("999"), 1)
	require.NoError(t, err)
	require.Equal(t, "10", updated.Items[0].Issued.String())
	require.Equal(t, "90", repo.stock[1].Quantity.String())
}

func TestIssueItemPartialWhenStockShort(t *testing.T) {
	repo, svc := fixture()
	ctx := context.Background()
	seedStock(repo, 1, 100, 1, "6", "2")

	order, err := svc.CreateForWorkOrder(ctx, 50, 1)
	require.NoError(t, err)

	updated, err := svc.IssueItem(ctx, order.ID, order.Items[0].ID, dec("10"), 1)
	require.NoError(t, err)

	item := updated.Items[0]
	require.Equal(t, "4", item.Issued.String()) // 6 on hand minus 2 reserved
	require.Equal(t, "6", item.Pending.String())
	require.Equal(t, "10", item.Issued.Add(item.Pending).String())
	require.Equal(t, StatusPartiallyIssued, updated.Status)
	require.Equal(t, "2", repo.stock[1].Quantity.String())
	require.False(t, repo.issuedWO[700])
}

func TestIssueItemGreedyAcrossStockRows(t *testing.T) {
	repo, svc := fixture()
	ctx := context.Background()
	seedStock(repo, 1, 100, 1, "3", "0")
	seedStock(repo, 2, 100, 1, "4", "0")
	seedStock(repo, 3, 100, 2, "50", "0") // other warehouse, untouched

	order, err := svc.CreateForWorkOrder(ctx, 50, 1)
	require.NoError(t, err)

	updated, err := svc.IssueItem(ctx, order.ID, order.Items[0].ID, dec("10"), 1)
	require.NoError(t, err)

	require.Equal(t, "7", updated.Items[0].Issued.String())
	require.True(t, repo.stock[1].Quantity.IsZero())
	require.True(t, repo.stock[2].Quantity.IsZero())
	require.Equal(t, "50", repo.stock[3].Quantity.String())
}

func TestIssueItemRejectsNonPositiveQuantity(t *testing.T) {
	_, svc := fixture()

	_, err := svc.IssueItem(context.Background(), 1, 1, decimal.Zero, 1)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestIssueAllCompletesOrder(t *testing.T) {
	repo, svc := fixture()
	ctx := context.Background()
	seedStock(repo, 1, 100, 1, "100", "0")
	seedStock(repo, 2, 101, 1, "100", "0")

	order, err := svc.IssueAll(ctx, 50, 1)
	require.NoError(t, err)

	require.Equal(t, StatusIssued, order.Status)
	for _, item := range order.Items {
		require.True(t, item.Pending.IsZero())
		require.Equal(t, item.Required.String(), item.Issued.String())
	}
	require.Equal(t, "90", repo.stock[1].Quantity.String())
	require.Equal(t, "96", repo.stock[2].Quantity.String())
	require.True(t, repo.issuedWO[700])
	require.True(t, repo.issuedWO[701])
}

func TestIssueAllWithPartialStock(t *testing.T) {
	repo, svc := fixture()
	ctx := context.Background()
	seedStock(repo, 1, 100, 1, "10", "0")
	// Material 101 has no stock at all.

	order, err := svc.IssueAll(ctx, 50, 1)
	require.NoError(t, err)

	require.Equal(t, StatusPartiallyIssued, order.Status)
	require.Equal(t, "10", order.Items[0].Issued.String())
	require.True(t, order.Items[1].Issued.IsZero())
	require.Equal(t, "4", order.Items[1].Pending.String())
}

func TestIssueAllIsRepeatable(t *testing.T) {
	repo, svc := fixture()
	ctx := context.Background()
	seedStock(repo, 1, 100, 1, "4", "0")

	first, err := svc.IssueAll(ctx, 50, 1)
	require.NoError(t, err)
	require.Equal(t, "4", first.Items[0].Issued.String())

	// Stock arrives; a second pass issues only the remainder.
	seedStock(repo, 2, 100, 1, "100", "0")
	seedStock(repo, 3, 101, 1, "100", "0")

	second, err := svc.IssueAll(ctx, 50, 1)
	require.NoError(t, err)
	require.Equal(t, StatusIssued, second.Status)
	require.Equal(t, "10", second.Items[0].Issued.String())
	require.Equal(t, "94", repo.stock[2].Quantity.String())
	require.Equal(t, "96", repo.stock[3].Quantity.String())
}

func TestDeriveStatus(t *testing.T) {
	require.Equal(t, StatusPrepared, DeriveStatus(nil))

	items := []MaterialIssueItem{
		{Required: dec("10"), Issued: decimal.Zero},
		{Required: dec("4"), Issued: decimal.Zero},
	}
	require.Equal(t, StatusPrepared, DeriveStatus(items))

	items[0].Issued = dec("3")
	require.Equal(t, StatusPartiallyIssued, DeriveStatus(items))

	items[0].Issued = dec("10")
	items[1].Issued = dec("4")
	require.Equal(t, StatusIssued, DeriveStatus(items))
}
