// Package order talks to the appliance's cocktail HTTP API: feasibility
// checks, placing an order, cancelling, and continuing after a manual step.
// Every call is a single request with no internal retry.
package order

import "encoding/json"

// DefaultVolumeMl is ordered when the recipe has no default glass.
const DefaultVolumeMl = 250

// AdditionalIngredient is an extra amount of one ingredient added on top of
// the recipe.
type AdditionalIngredient struct {
	IngredientID int64 `json:"ingredientId"`
	Amount       int   `json:"amount"`
}

// Customisations adjust a recipe for one order.
type Customisations struct {
	Boost                 int                    `json:"boost"`
	AdditionalIngredients []AdditionalIngredient `json:"additionalIngredients"`
}

// Config is the order configuration sent with feasibility checks and orders.
type Config struct {
	AmountOrderedInMl int            `json:"amountOrderedInMl"`
	Customisations    Customisations `json:"customisations"`

	// ProductionStepReplacements are forwarded to the appliance unchanged.
	ProductionStepReplacements []json.RawMessage `json:"productionStepReplacements"`
}

// NewConfig returns a config for volumeMl at boost percent. A non-positive
// volume falls back to DefaultVolume(0).
func NewConfig(volumeMl, boost int) Config {
	if volumeMl <= 0 {
		volumeMl = DefaultVolume(0)
	}
	return Config{
		AmountOrderedInMl: volumeMl,
		Customisations:    Customisations{Boost: boost},
	}
}

// DefaultVolume picks the order volume for a recipe whose default glass holds
// glassSizeMl.
func DefaultVolume(glassSizeMl int) int {
	if glassSizeMl > 0 {
		return glassSizeMl
	}
	return DefaultVolumeMl
}

// Normalized drops additional ingredients with no positive amount and
// replaces nil slices with empty ones so the JSON carries [] instead of null.
func (c Config) Normalized() Config {
	out := c
	out.Customisations.AdditionalIngredients = make([]AdditionalIngredient, 0, len(c.Customisations.AdditionalIngredients))
	for _, ai := range c.Customisations.AdditionalIngredients {
		if ai.Amount > 0 {
			out.Customisations.AdditionalIngredients = append(out.Customisations.AdditionalIngredients, ai)
		}
	}
	if out.ProductionStepReplacements == nil {
		out.ProductionStepReplacements = []json.RawMessage{}
	}
	return out
}

// Ingredient identifies an ingredient in a feasibility report.
type Ingredient struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit,omitempty"`
}

// RequiredIngredient is one line of a feasibility report.
type RequiredIngredient struct {
	Ingredient     Ingredient `json:"ingredient"`
	AmountRequired int        `json:"amountRequired"`
	AmountMissing  int        `json:"amountMissing"`
}

// FeasibilityResult says whether an order can be produced right now.
type FeasibilityResult struct {
	Feasible            bool                 `json:"feasible"`
	Reason              string               `json:"reason,omitempty"`
	TotalAmountInMl     int                  `json:"totalAmountInMl"`
	RequiredIngredients []RequiredIngredient `json:"requiredIngredients"`
}

// Missing lists required ingredients the appliance does not have enough of.
func (r FeasibilityResult) Missing() []RequiredIngredient {
	var out []RequiredIngredient
	for _, ri := range r.RequiredIngredients {
		if ri.AmountMissing > 0 {
			out = append(out, ri)
		}
	}
	return out
}

// Orderable reports whether the result allows placing the order.
func (r FeasibilityResult) Orderable() bool {
	return r.Feasible && len(r.Missing()) == 0
}

// Outcome is the appliance's answer to an order, cancel, or continue.
// A rejection is a normal result, not an error.
type Outcome struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Accepted is the outcome of a successful call.
func Accepted() Outcome { return Outcome{Accepted: true} }

// Rejected is a domain rejection with a reason for the user.
func Rejected(reason string) Outcome { return Outcome{Reason: reason} }
