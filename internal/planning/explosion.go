package planning

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/forge-mes/forge-mes/internal/masterdata"
)

// Demand is one root product quantity to explode.
type Demand struct {
	ProductID   int64
	Quantity    decimal.Decimal
	WarehouseID *int64
}

// Explosion is the merged result of exploding one or more demands. Products
// and Materials keep first-seen order so output is deterministic.
type Explosion struct {
	Products  []PlanProduct
	Materials []MaterialRequirement
	Notes     []string
}

// Exploder walks BOM trees and accumulates net material demand.
type Exploder struct {
	store      masterdata.Store
	classifier *OutsourceClassifier
}

// NewExploder constructs an Exploder.
func NewExploder(store masterdata.Store, classifier *OutsourceClassifier) *Exploder {
	if classifier == nil {
		classifier = NewOutsourceClassifier()
	}
	return &Exploder{store: store, classifier: classifier}
}

// accumulator collects merged products and materials across the recursion.
// Passing it explicitly keeps the engine free of shared mutable state and
// lets the visited set travel with the current path.
type accumulator struct {
	products     map[int64]*PlanProduct
	productOrder []int64
	materials    map[int64]*MaterialRequirement
	matOrder     []int64
	notes        []string
}

func newAccumulator() *accumulator {
	return &accumulator{
		products:  make(map[int64]*PlanProduct),
		materials: make(map[int64]*MaterialRequirement),
	}
}

func (a *accumulator) addProduct(p PlanProduct) {
	if existing, ok := a.products[p.ProductID]; ok {
		// Same product reached via multiple paths: quantities sum.
		existing.Quantity = existing.Quantity.Add(p.Quantity)
		return
	}
	cp := p
	a.products[p.ProductID] = &cp
	a.productOrder = append(a.productOrder, p.ProductID)
}

func (a *accumulator) addMaterial(materialID int64, qty decimal.Decimal, warehouseID *int64, outsourced bool) {
	if existing, ok := a.materials[materialID]; ok {
		existing.Required = existing.Required.Add(qty)
		existing.NeedOutsource = existing.NeedOutsource || outsourced
		return
	}
	a.materials[materialID] = &MaterialRequirement{
		MaterialID:    materialID,
		Required:      qty,
		WarehouseID:   warehouseID,
		NeedOutsource: outsourced,
	}
	a.matOrder = append(a.matOrder, materialID)
}

func (a *accumulator) result() Explosion {
	out := Explosion{Notes: a.notes}
	for _, id := range a.productOrder {
		out.Products = append(out.Products, *a.products[id])
	}
	for _, id := range a.matOrder {
		out.Materials = append(out.Materials, *a.materials[id])
	}
	return out
}

// ExplodeDemands explodes every demand into one merged Explosion.
func (e *Exploder) ExplodeDemands(ctx context.Context, demands []Demand, opts ExplodeOptions) (Explosion, error) {
	acc := newAccumulator()
	for _, d := range demands {
		if !d.Quantity.IsPositive() {
			return Explosion{}, fmt.Errorf("product %d: %w", d.ProductID, ErrInvalidQuantity)
		}
		warehouseID := d.WarehouseID
		if warehouseID == nil {
			warehouseID = opts.WarehouseID
		}
		if err := e.explodeRoot(ctx, acc, d.ProductID, d.Quantity, warehouseID, opts); err != nil {
			return Explosion{}, err
		}
	}
	return acc.result(), nil
}

func (e *Exploder) explodeRoot(ctx context.Context, acc *accumulator, productID int64, qty decimal.Decimal, warehouseID *int64, opts ExplodeOptions) error {
	bom, err := e.store.GetActiveBOM(ctx, productID)
	if err != nil {
		if isNotFound(err) {
			// Products without a BOM still get a plan entry so downstream
			// manufacturing can pick them up manually.
			acc.addProduct(PlanProduct{ProductID: productID, Quantity: qty, Source: SourceBOM})
			acc.notes = append(acc.notes, fmt.Sprintf("product %d has no active BOM; no materials planned", productID))
			return nil
		}
		return fmt.Errorf("resolve bom for product %d: %w", productID, err)
	}

	acc.addProduct(PlanProduct{
		ProductID: productID,
		Quantity:  qty,
		BOMID:     &bom.ID,
		RoutingID: bom.RoutingID,
		Source:    SourceBOM,
	})

	visited := map[int64]bool{}
	return e.explodeBOM(ctx, acc, bom, productID, qty, warehouseID, opts, visited, false)
}

// explodeBOM expands one BOM at the given output quantity. visited holds the
// BOM ids on the current path; revisiting one means the BOM graph is cyclic.
func (e *Exploder) explodeBOM(ctx context.Context, acc *accumulator, bom *masterdata.BOM, parentProductID int64, qty decimal.Decimal, warehouseID *int64, opts ExplodeOptions, visited map[int64]bool, parentOutsourced bool) error {
	if visited[bom.ID] {
		return fmt.Errorf("bom %d: %w", bom.ID, ErrBOMCycle)
	}
	visited[bom.ID] = true
	defer delete(visited, bom.ID)

	ratio := qty
	if bom.BaseQuantity.IsPositive() {
		ratio = qty.Div(bom.BaseQuantity)
	}

	outsourced := parentOutsourced
	if !outsourced && bom.RoutingID != nil {
		steps, err := e.store.GetRoutingSteps(ctx, *bom.RoutingID)
		if err != nil {
			return fmt.Errorf("routing %d: %w", *bom.RoutingID, err)
		}
		outsourced = e.classifier.AnyOutsourced(steps)
	}

	for _, line := range bom.Lines {
		lineQty := line.Quantity.Mul(ratio)
		if lineQty.IsZero() {
			continue
		}
		lineWarehouse := line.WarehouseID
		if lineWarehouse == nil {
			lineWarehouse = warehouseID
		}

		if line.ChildBOMID == nil || !opts.ExpandMaterialsRecursively {
			acc.addMaterial(line.MaterialID, lineQty, lineWarehouse, outsourced)
			continue
		}

		child, err := e.store.GetBOM(ctx, *line.ChildBOMID)
		if err != nil {
			return fmt.Errorf("child bom %d: %w", *line.ChildBOMID, err)
		}
		if opts.IncludeChildProducts {
			parentID := parentProductID
			acc.addProduct(PlanProduct{
				ProductID:       line.MaterialID,
				Quantity:        lineQty,
				BOMID:           &child.ID,
				RoutingID:       child.RoutingID,
				Source:          SourceChildBOM,
				ParentProductID: &parentID,
			})
		}
		if err := e.explodeBOM(ctx, acc, child, line.MaterialID, lineQty, lineWarehouse, opts, visited, outsourced); err != nil {
			return err
		}
	}
	return nil
}
