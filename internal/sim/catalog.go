package sim

import (
	"fmt"
	"math"
	"sort"

	"github.com/large-farva/pourlink/internal/order"
)

// Ingredient is one bottle (or garnish) the simulated appliance knows.
type Ingredient struct {
	ID        int64
	Name      string
	Alcoholic bool
	Manual    bool  // added by hand, never pumped
	PumpID    int64 // zero for manual ingredients
	StockMl   int
}

// Part is one ingredient of a recipe, measured for the recipe's default glass.
type Part struct {
	IngredientID int64
	Ml           int
}

// Recipe is a simulated recipe.
type Recipe struct {
	ID          int64
	Name        string
	Description string
	GlassMl     int
	Parts       []Part
}

// Catalog holds the simulated bar.
type Catalog struct {
	Ingredients map[int64]*Ingredient
	Recipes     map[int64]Recipe
}

// DefaultCatalog is a small bar with one recipe that needs a manual step and
// one that is short on stock.
func DefaultCatalog() Catalog {
	ings := []*Ingredient{
		{ID: 1, Name: "White Rum", Alcoholic: true, PumpID: 1, StockMl: 700},
		{ID: 2, Name: "Lime Juice", PumpID: 2, StockMl: 300},
		{ID: 3, Name: "Sugar Syrup", PumpID: 3, StockMl: 300},
		{ID: 4, Name: "Soda Water", PumpID: 4, StockMl: 1000},
		{ID: 5, Name: "Mint", Manual: true},
		{ID: 6, Name: "Gin", Alcoholic: true, PumpID: 5, StockMl: 700},
		{ID: 7, Name: "Tonic Water", PumpID: 6, StockMl: 1000},
		{ID: 8, Name: "Vodka", Alcoholic: true, PumpID: 7, StockMl: 50},
		{ID: 9, Name: "Cranberry Juice", PumpID: 8, StockMl: 500},
	}
	c := Catalog{Ingredients: make(map[int64]*Ingredient, len(ings)), Recipes: make(map[int64]Recipe)}
	for _, i := range ings {
		c.Ingredients[i.ID] = i
	}
	for _, r := range []Recipe{
		{ID: 1, Name: "Mojito", Description: "Rum, lime, mint and soda.", GlassMl: 200, Parts: []Part{
			{IngredientID: 1, Ml: 50}, {IngredientID: 5, Ml: 5}, {IngredientID: 2, Ml: 25},
			{IngredientID: 3, Ml: 20}, {IngredientID: 4, Ml: 100},
		}},
		{ID: 2, Name: "Gin & Tonic", Description: "The classic highball.", GlassMl: 200, Parts: []Part{
			{IngredientID: 6, Ml: 50}, {IngredientID: 7, Ml: 150},
		}},
		{ID: 3, Name: "Cape Codder", Description: "Vodka and cranberry.", GlassMl: 200, Parts: []Part{
			{IngredientID: 8, Ml: 60}, {IngredientID: 9, Ml: 140},
		}},
	} {
		c.Recipes[r.ID] = r
	}
	return c
}

// PumpIDs lists every pump in the catalog.
func (c Catalog) PumpIDs() []int64 {
	var ids []int64
	for _, i := range c.Ingredients {
		if i.PumpID != 0 {
			ids = append(ids, i.PumpID)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// step is one ingredient of a planned pour.
type step struct {
	ingredient *Ingredient
	ml         int
}

// plan is a fully resolved order.
type plan struct {
	recipe Recipe
	steps  []step
	total  int
}

// plan resolves an order into steps. Recipe parts scale to the ordered
// volume and boost scales the alcoholic ones. Additional ingredients are
// appended at the end.
func (c Catalog) plan(id int64, cfg order.Config, isIngredient bool) (plan, error) {
	var r Recipe
	if isIngredient {
		ing, ok := c.Ingredients[id]
		if !ok {
			return plan{}, fmt.Errorf("ingredient %d not found", id)
		}
		r = Recipe{ID: ing.ID, Name: ing.Name, GlassMl: cfg.AmountOrderedInMl, Parts: []Part{{IngredientID: ing.ID, Ml: cfg.AmountOrderedInMl}}}
	} else {
		var ok bool
		r, ok = c.Recipes[id]
		if !ok {
			return plan{}, fmt.Errorf("recipe %d not found", id)
		}
	}
	if len(r.Parts) == 0 {
		return plan{}, fmt.Errorf("recipe %q has no production steps", r.Name)
	}

	volume := cfg.AmountOrderedInMl
	if volume <= 0 {
		volume = order.DefaultVolume(r.GlassMl)
	}
	scale := float64(volume) / float64(r.GlassMl)
	boost := cfg.Customisations.Boost
	if boost <= 0 {
		boost = 100
	}

	p := plan{recipe: r}
	for _, part := range r.Parts {
		ing, ok := c.Ingredients[part.IngredientID]
		if !ok {
			return plan{}, fmt.Errorf("recipe %q references unknown ingredient %d", r.Name, part.IngredientID)
		}
		ml := float64(part.Ml) * scale
		if ing.Alcoholic {
			ml = ml * float64(boost) / 100
		}
		p.add(ing, int(math.Round(ml)))
	}
	for _, extra := range cfg.Normalized().Customisations.AdditionalIngredients {
		ing, ok := c.Ingredients[extra.IngredientID]
		if !ok {
			return plan{}, fmt.Errorf("additional ingredient %d not found", extra.IngredientID)
		}
		p.add(ing, extra.Amount)
	}
	return p, nil
}

func (p *plan) add(ing *Ingredient, ml int) {
	p.steps = append(p.steps, step{ingredient: ing, ml: ml})
	p.total += ml
}

// feasibility reports what the plan needs against current stock.
func (p plan) feasibility() order.FeasibilityResult {
	need := map[int64]int{}
	var ings []*Ingredient
	for _, s := range p.steps {
		if _, seen := need[s.ingredient.ID]; !seen {
			ings = append(ings, s.ingredient)
		}
		need[s.ingredient.ID] += s.ml
	}

	res := order.FeasibilityResult{Feasible: true, TotalAmountInMl: p.total}
	for _, ing := range ings {
		ri := order.RequiredIngredient{
			Ingredient:     order.Ingredient{ID: ing.ID, Name: ing.Name, Unit: "ml"},
			AmountRequired: need[ing.ID],
		}
		if !ing.Manual && need[ing.ID] > ing.StockMl {
			ri.AmountMissing = need[ing.ID] - ing.StockMl
			res.Feasible = false
		}
		res.RequiredIngredients = append(res.RequiredIngredients, ri)
	}
	if !res.Feasible {
		res.Reason = "not enough ingredients in stock"
	}
	return res
}
