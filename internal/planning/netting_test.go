package planning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forge-mes/forge-mes/internal/masterdata"
)

func TestNetSubtractsReservedStock(t *testing.T) {
	store := newFakeStore()
	store.stock[100] = []masterdata.StockRecord{
		{ID: 1, MaterialID: 100, WarehouseID: 1, Quantity: dec("8"), Reserved: dec("3")},
		{ID: 2, MaterialID: 100, WarehouseID: 2, Quantity: dec("4")},
	}

	available, shortage, err := NewNetter(store).Net(context.Background(), 100, nil, dec("12"))
	require.NoError(t, err)
	require.Equal(t, "9", available.String())
	require.Equal(t, "3", shortage.String())
}

func TestNetShortageFloorsAtZero(t *testing.T) {
	store := newFakeStore()
	store.stock[100] = []masterdata.StockRecord{
		{ID: 1, MaterialID: 100, WarehouseID: 1, Quantity: dec("50")},
	}

	available, shortage, err := NewNetter(store).Net(context.Background(), 100, nil, dec("12"))
	require.NoError(t, err)
	require.Equal(t, "50", available.String())
	require.True(t, shortage.IsZero())
}

func TestNetOverReservedRecordCountsAsZero(t *testing.T) {
	store := newFakeStore()
	store.stock[100] = []masterdata.StockRecord{
		{ID: 1, MaterialID: 100, WarehouseID: 1, Quantity: dec("5"), Reserved: dec("9")},
	}

	available, shortage, err := NewNetter(store).Net(context.Background(), 100, nil, dec("4"))
	require.NoError(t, err)
	require.True(t, available.IsZero())
	require.Equal(t, "4", shortage.String())
}

func TestNetScopesToWarehouse(t *testing.T) {
	store := newFakeStore()
	store.stock[100] = []masterdata.StockRecord{
		{ID: 1, MaterialID: 100, WarehouseID: 1, Quantity: dec("6")},
		{ID: 2, MaterialID: 100, WarehouseID: 2, Quantity: dec("40")},
	}

	available, shortage, err := NewNetter(store).Net(context.Background(), 100, ptr(int64(1)), dec("10"))
	require.NoError(t, err)
	require.Equal(t, "6", available.String())
	require.Equal(t, "4", shortage.String())
}

func TestNetFallsBackToUnscopedStock(t *testing.T) {
	store := newFakeStore()
	store.stock[100] = []masterdata.StockRecord{
		{ID: 1, MaterialID: 100, WarehouseID: 2, Quantity: dec("7")},
	}

	// Warehouse 9 holds nothing; availability falls back to the global total.
	available, shortage, err := NewNetter(store).Net(context.Background(), 100, ptr(int64(9)), dec("10"))
	require.NoError(t, err)
	require.Equal(t, "7", available.String())
	require.Equal(t, "3", shortage.String())
}
