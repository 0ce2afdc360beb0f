package production

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// State is the session state as shown to observers.
type State string

const (
	Idle                 State = "IDLE"
	OrderSubmitted       State = "ORDER_SUBMITTED"
	Running              State = "RUNNING"
	ManualActionRequired State = "MANUAL_ACTION_REQUIRED"
	Finished             State = "FINISHED"
	Cancelled            State = "CANCELLED"
)

// Terminal reports whether the pour is over.
func (s State) Terminal() bool {
	return s == Finished || s == Cancelled
}

// Active reports whether the appliance is working on a pour.
func (s State) Active() bool {
	return s == OrderSubmitted || s == Running || s == ManualActionRequired
}

// applianceStates maps the names the appliance publishes onto session states.
var applianceStates = map[string]State{
	"ORDER_SUBMITTED":        OrderSubmitted,
	"READY_TO_START":         OrderSubmitted,
	"RUNNING":                Running,
	"PREPARING":              Running,
	"PUMPING":                Running,
	"MANUAL_ACTION_REQUIRED": ManualActionRequired,
	"MANUAL_INGREDIENT_ADD":  ManualActionRequired,
	"FINISHED":               Finished,
	"COMPLETED":              Finished,
	"CANCELLED":              Cancelled,
	"CANCELED":               Cancelled,
}

// deleteBody is published when the appliance no longer has a production.
const deleteBody = "DELETE"

// ManualIngredient is something a person must add by hand.
type ManualIngredient struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit,omitempty"`
}

// Recipe is the part of the appliance's recipe snapshot the session keeps.
type Recipe struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Update is one decoded progress message.
type Update struct {
	Deleted  bool
	State    State
	RawState string
	Percent  int
	Recipe   *Recipe
	Manual   []ManualIngredient
}

type progressPayload struct {
	State                           string             `json:"state"`
	Progress                        *float64           `json:"progress"`
	ProgressPercent                 *float64           `json:"progressPercent"`
	Recipe                          *Recipe            `json:"recipe"`
	RecipeSnapshot                  *Recipe            `json:"recipeSnapshot"`
	CurrentIngredientsToAddManually []ManualIngredient `json:"currentIngredientsToAddManually"`
}

// ParseProgress decodes a progress topic body. The literal body DELETE
// yields an Update with Deleted set.
func ParseProgress(body []byte) (Update, error) {
	trimmed := bytes.TrimSpace(body)
	if string(trimmed) == deleteBody {
		return Update{Deleted: true}, nil
	}

	var p progressPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return Update{}, fmt.Errorf("decode progress: %w", err)
	}

	raw := strings.ToUpper(strings.TrimSpace(p.State))
	state, ok := applianceStates[raw]
	if !ok {
		return Update{}, fmt.Errorf("unknown production state %q", p.State)
	}

	u := Update{State: state, RawState: raw, Manual: p.CurrentIngredientsToAddManually}
	switch {
	case p.ProgressPercent != nil:
		u.Percent = clampPercent(*p.ProgressPercent)
	case p.Progress != nil:
		u.Percent = clampPercent(*p.Progress)
	}
	u.Recipe = p.Recipe
	if u.Recipe == nil {
		u.Recipe = p.RecipeSnapshot
	}
	return u, nil
}

func clampPercent(v float64) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}
