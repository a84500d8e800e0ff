package planning

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// fakeStore is an in-memory masterdata.Store shared by the planning tests.
type fakeStore struct {
	products   map[int64]*masterdata.Product
	boms       map[int64]*masterdata.BOM
	activeBOM  map[int64]int64 // productID -> bom id
	routings   map[int64][]masterdata.RoutingStep
	stock      map[int64][]masterdata.StockRecord
	suppliers  map[int64]*masterdata.Supplier
	salesLines map[int64][]masterdata.SalesOrderLine
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products:   map[int64]*masterdata.Product{},
		boms:       map[int64]*masterdata.BOM{},
		activeBOM:  map[int64]int64{},
		routings:   map[int64][]masterdata.RoutingStep{},
		stock:      map[int64][]masterdata.StockRecord{},
		suppliers:  map[int64]*masterdata.Supplier{},
		salesLines: map[int64][]masterdata.SalesOrderLine{},
	}
}

func (f *fakeStore) GetProduct(_ context.Context, id int64) (*masterdata.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) GetBOM(_ context.Context, id int64) (*masterdata.BOM, error) {
	b, ok := f.boms[id]
	if !ok {
		return nil, fmt.Errorf("bom %d: %w", id, shared.ErrNotFound)
	}
	return b, nil
}

func (f *fakeStore) GetActiveBOM(_ context.Context, productID int64) (*masterdata.BOM, error) {
	id, ok := f.activeBOM[productID]
	if !ok {
		return nil, fmt.Errorf("active bom for product %d: %w", productID, shared.ErrNotFound)
	}
	return f.boms[id], nil
}

func (f *fakeStore) GetRoutingSteps(_ context.Context, routingID int64) ([]masterdata.RoutingStep, error) {
	return f.routings[routingID], nil
}

func (f *fakeStore) ListStock(_ context.Context, materialID int64, warehouseID *int64) ([]masterdata.StockRecord, error) {
	var out []masterdata.StockRecord
	for _, rec := range f.stock[materialID] {
		if warehouseID != nil && rec.WarehouseID != *warehouseID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) GetSupplier(_ context.Context, id int64) (*masterdata.Supplier, error) {
	s, ok := f.suppliers[id]
	if !ok {
		return nil, fmt.Errorf("supplier %d: %w", id, shared.ErrNotFound)
	}
	return s, nil
}

func (f *fakeStore) ListSalesOrderLines(_ context.Context, salesOrderID int64) ([]masterdata.SalesOrderLine, error) {
	return f.salesLines[salesOrderID], nil
}

func ptr[T any](v T) *T { return &v }

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// twoLevelStore models product A (1) built from material X (100) plus two
// units of sub-assembly B (2), which itself consumes X and Y (101).
func twoLevelStore() *fakeStore {
	store := newFakeStore()
	store.boms[10] = &masterdata.BOM{
		ID:           10,
		ProductID:    1,
		BaseQuantity: dec("10"),
		IsActive:     true,
		Lines: []masterdata.BOMLine{
			{ID: 1, BOMID: 10, MaterialID: 100, Quantity: dec("5")},
			{ID: 2, BOMID: 10, MaterialID: 2, Quantity: dec("2"), ChildBOMID: ptr(int64(20))},
		},
	}
	store.boms[20] = &masterdata.BOM{
		ID:           20,
		ProductID:    2,
		BaseQuantity: dec("1"),
		IsActive:     true,
		Lines: []masterdata.BOMLine{
			{ID: 3, BOMID: 20, MaterialID: 100, Quantity: dec("1")},
			{ID: 4, BOMID: 20, MaterialID: 101, Quantity: dec("3")},
		},
	}
	store.activeBOM[1] = 10
	return store
}

func explodeOne(t *testing.T, store *fakeStore, qty string, opts ExplodeOptions) Explosion {
	t.Helper()
	exploder := NewExploder(store, NewOutsourceClassifier())
	exp, err := exploder.ExplodeDemands(context.Background(), []Demand{{ProductID: 1, Quantity: dec(qty)}}, opts)
	require.NoError(t, err)
	return exp
}

func materialsByID(exp Explosion) map[int64]MaterialRequirement {
	out := map[int64]MaterialRequirement{}
	for _, m := range exp.Materials {
		out[m.MaterialID] = m
	}
	return out
}

func TestExplodeTwoLevelsRecursively(t *testing.T) {
	exp := explodeOne(t, twoLevelStore(), "20", ExplodeOptions{
		IncludeChildProducts:       true,
		ExpandMaterialsRecursively: true,
	})

	require.Len(t, exp.Products, 2)
	require.Equal(t, int64(1), exp.Products[0].ProductID)
	require.Equal(t, "20", exp.Products[0].Quantity.String())
	require.Equal(t, SourceBOM, exp.Products[0].Source)

	require.Equal(t, int64(2), exp.Products[1].ProductID)
	require.Equal(t, "4", exp.Products[1].Quantity.String())
	require.Equal(t, SourceChildBOM, exp.Products[1].Source)
	require.NotNil(t, exp.Products[1].ParentProductID)
	require.Equal(t, int64(1), *exp.Products[1].ParentProductID)

	mats := materialsByID(exp)
	require.Len(t, mats, 2)
	require.Equal(t, "14", mats[100].Required.String()) // 5*2 direct + 1*4 via B
	require.Equal(t, "12", mats[101].Required.String()) // 3*4 via B
}

func TestExplodeFlatTreatsSubAssemblyAsMaterial(t *testing.T) {
	exp := explodeOne(t, twoLevelStore(), "20", ExplodeOptions{})

	require.Len(t, exp.Products, 1)
	require.Equal(t, int64(1), exp.Products[0].ProductID)

	mats := materialsByID(exp)
	require.Len(t, mats, 2)
	require.Equal(t, "10", mats[100].Required.String())
	require.Equal(t, "4", mats[2].Required.String())
}

func TestExplodeChildProductsWithoutMaterialExpansion(t *testing.T) {
	// Flat expansion wins: child products are only emitted while descending.
	exp := explodeOne(t, twoLevelStore(), "20", ExplodeOptions{IncludeChildProducts: true})

	require.Len(t, exp.Products, 1)
	mats := materialsByID(exp)
	require.Equal(t, "4", mats[2].Required.String())
}

func TestExplodeDetectsCycle(t *testing.T) {
	store := twoLevelStore()
	// B's BOM loops back into A's.
	store.boms[20].Lines = append(store.boms[20].Lines, masterdata.BOMLine{
		ID: 5, BOMID: 20, MaterialID: 1, Quantity: dec("1"), ChildBOMID: ptr(int64(10)),
	})

	exploder := NewExploder(store, NewOutsourceClassifier())
	_, err := exploder.ExplodeDemands(context.Background(), []Demand{{ProductID: 1, Quantity: dec("1")}}, ExplodeOptions{
		ExpandMaterialsRecursively: true,
	})
	require.ErrorIs(t, err, ErrBOMCycle)
}

func TestExplodeSharedSubAssemblyIsNotACycle(t *testing.T) {
	// Two lines of the same BOM referencing the same child must merge, not trip
	// the cycle guard: visited tracks the current path only.
	store := twoLevelStore()
	store.boms[10].Lines = append(store.boms[10].Lines, masterdata.BOMLine{
		ID: 6, BOMID: 10, MaterialID: 2, Quantity: dec("1"), ChildBOMID: ptr(int64(20)),
	})

	exp := explodeOne(t, store, "10", ExplodeOptions{
		IncludeChildProducts:       true,
		ExpandMaterialsRecursively: true,
	})

	require.Len(t, exp.Products, 2)
	require.Equal(t, "3", exp.Products[1].Quantity.String()) // 2*1 + 1*1
}

func TestExplodeZeroBaseQuantityUsesDemandAsRatio(t *testing.T) {
	store := twoLevelStore()
	store.boms[10].BaseQuantity = decimal.Zero

	exp := explodeOne(t, store, "3", ExplodeOptions{})
	mats := materialsByID(exp)
	require.Equal(t, "15", mats[100].Required.String())
	require.Equal(t, "6", mats[2].Required.String())
}

func TestExplodeProductWithoutBOM(t *testing.T) {
	store := newFakeStore()
	exploder := NewExploder(store, NewOutsourceClassifier())

	exp, err := exploder.ExplodeDemands(context.Background(), []Demand{{ProductID: 7, Quantity: dec("5")}}, ExplodeOptions{})
	require.NoError(t, err)
	require.Len(t, exp.Products, 1)
	require.Equal(t, int64(7), exp.Products[0].ProductID)
	require.Empty(t, exp.Materials)
	require.Len(t, exp.Notes, 1)
	require.Contains(t, exp.Notes[0], "no active BOM")
}

func TestExplodeRejectsNonPositiveDemand(t *testing.T) {
	exploder := NewExploder(twoLevelStore(), NewOutsourceClassifier())
	_, err := exploder.ExplodeDemands(context.Background(), []Demand{{ProductID: 1, Quantity: decimal.Zero}}, ExplodeOptions{})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestExplodeFlagsOutsourcedMaterials(t *testing.T) {
	store := twoLevelStore()
	store.boms[20].RoutingID = ptr(int64(30))
	store.routings[30] = []masterdata.RoutingStep{
		{ID: 1, RoutingID: 30, Sequence: 10, WorkcenterType: "internal"},
		{ID: 2, RoutingID: 30, Sequence: 20, WorkcenterType: "Outsource"},
	}

	exp := explodeOne(t, store, "20", ExplodeOptions{
		IncludeChildProducts:       true,
		ExpandMaterialsRecursively: true,
	})

	mats := materialsByID(exp)
	// X is consumed both in-house and under B's outsourced routing; any
	// outsourced path marks the whole requirement.
	require.True(t, mats[100].NeedOutsource)
	require.True(t, mats[101].NeedOutsource)
}

func TestExplodeMergesDemands(t *testing.T) {
	exploder := NewExploder(twoLevelStore(), NewOutsourceClassifier())
	exp, err := exploder.ExplodeDemands(context.Background(), []Demand{
		{ProductID: 1, Quantity: dec("10")},
		{ProductID: 1, Quantity: dec("10")},
	}, ExplodeOptions{})
	require.NoError(t, err)

	require.Len(t, exp.Products, 1)
	require.Equal(t, "20", exp.Products[0].Quantity.String())
	mats := materialsByID(exp)
	require.Equal(t, "10", mats[100].Required.String())
}
