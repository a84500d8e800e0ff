package planning

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/shared"
)

// shortagePrecision absorbs floating drift introduced by ratio multiplies.
const shortagePrecision = 6

// Netter computes available stock and shortage per material.
type Netter struct {
	store masterdata.Store
}

// NewNetter constructs a Netter.
func NewNetter(store masterdata.Store) *Netter {
	return &Netter{store: store}
}

// Net sums availability across stock records and derives the shortage.
// When warehouseID is set but no stock rows exist for that warehouse, netting
// falls back to the unscoped total so availability is not falsely reported
// as zero.
func (n *Netter) Net(ctx context.Context, materialID int64, warehouseID *int64, required decimal.Decimal) (available, shortage decimal.Decimal, err error) {
	records, err := n.store.ListStock(ctx, materialID, warehouseID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(records) == 0 && warehouseID != nil {
		records, err = n.store.ListStock(ctx, materialID, nil)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}

	available = decimal.Zero
	for _, rec := range records {
		available = available.Add(rec.Available())
	}

	shortage = required.Sub(available)
	if shortage.IsNegative() {
		shortage = decimal.Zero
	}
	return available.Round(shortagePrecision), shortage.Round(shortagePrecision), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound)
}
