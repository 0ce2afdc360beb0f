package ctl

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/large-farva/pourlink/internal/order"
	"github.com/large-farva/pourlink/internal/production"
)

// actionResponse is what every production action returns on success.
type actionResponse struct {
	OK      bool                `json:"ok"`
	Session production.Snapshot `json:"session"`
}

// Production prints the current production session.
func Production(baseURL string, jsonOutput bool) error {
	var s production.Snapshot
	if err := getJSON(baseURL, "/api/production", &s); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}
	printSnapshot(s)
	return nil
}

// Dismiss clears a finished, cancelled, or foreign pour from the session.
func Dismiss(baseURL string, jsonOutput bool) error {
	return action(baseURL, http.MethodPost, "/api/production/dismiss", nil, "DISMISSED", jsonOutput)
}

// Cancel asks the appliance to abort the pour.
func Cancel(baseURL string, jsonOutput bool) error {
	return action(baseURL, http.MethodDelete, "/api/order", nil, "CANCEL SENT", jsonOutput)
}

// Continue tells the appliance the manual ingredients were added.
func Continue(baseURL string, jsonOutput bool) error {
	return action(baseURL, http.MethodPost, "/api/order/continue", nil, "CONTINUING", jsonOutput)
}

// OrderOptions controls the order and feasibility commands.
type OrderOptions struct {
	RecipeID   int64
	Volume     int      // ml; zero orders order.DefaultVolumeMl
	Boost      int      // percent, 100 is the recipe's own strength
	Extras     []string // "ingredientId=ml"
	Ingredient bool     // RecipeID names a single ingredient
	SkipCheck  bool     // order without re-checking feasibility first
	JSON       bool
}

func (o OrderOptions) config() (order.Config, error) {
	cfg := order.NewConfig(o.Volume, o.Boost)
	extras, err := parseExtras(o.Extras)
	if err != nil {
		return cfg, err
	}
	cfg.Customisations.AdditionalIngredients = extras
	return cfg, nil
}

func (o OrderOptions) path(prefix string) string {
	p := prefix + strconv.FormatInt(o.RecipeID, 10)
	var q []string
	if o.Ingredient {
		q = append(q, "isIngredient=true")
	}
	if o.SkipCheck {
		q = append(q, "skipCheck=true")
	}
	if len(q) > 0 {
		p += "?" + strings.Join(q, "&")
	}
	return p
}

// parseExtras reads "id=ml" pairs.
func parseExtras(pairs []string) ([]order.AdditionalIngredient, error) {
	var out []order.AdditionalIngredient
	for _, p := range pairs {
		idStr, mlStr, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("extra %q: want ingredientId=ml", p)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("extra %q: bad ingredient id", p)
		}
		ml, err := strconv.Atoi(strings.TrimSpace(mlStr))
		if err != nil || ml < 0 {
			return nil, fmt.Errorf("extra %q: bad amount", p)
		}
		out = append(out, order.AdditionalIngredient{IngredientID: id, Amount: ml})
	}
	return out, nil
}

// Order places an order through the daemon.
func Order(baseURL string, opts OrderOptions) error {
	if opts.RecipeID <= 0 {
		return fmt.Errorf("recipe id required")
	}
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	return action(baseURL, http.MethodPut, opts.path("/api/order/"), cfg, "ORDERED", opts.JSON)
}

// Feasibility checks whether a recipe can be produced right now.
func Feasibility(baseURL string, opts OrderOptions) error {
	if opts.RecipeID <= 0 {
		return fmt.Errorf("recipe id required")
	}
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	opts.SkipCheck = false

	var resp struct {
		Seq     uint64      `json:"seq"`
		Applied bool        `json:"applied"`
		Check   order.Check `json:"check"`
	}
	if err := call(baseURL, http.MethodPut, opts.path("/api/feasibility/"), cfg, &resp); err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(resp)
	}
	if !resp.Applied {
		outln(dim("  superseded by a newer check"))
		return nil
	}
	printCheck(resp.Check)
	return nil
}

func action(baseURL, method, path string, body any, verb string, jsonOutput bool) error {
	var resp actionResponse
	err := call(baseURL, method, path, body, &resp)
	if jsonOutput {
		if err != nil {
			return printJSON(map[string]any{"ok": false, "error": err.Error()})
		}
		return printJSON(resp)
	}
	if err != nil {
		return err
	}
	outln()
	outf("  %s  %s\n", green(verb), stateColor(string(resp.Session.State))(string(resp.Session.State)))
	outln()
	return nil
}

func printSnapshot(s production.Snapshot) {
	outln()
	outln(header("PRODUCTION"))
	row("State:", stateColor(string(s.State))(string(s.State)))
	if s.RecipeName != "" || s.RecipeID != 0 {
		name := s.RecipeName
		if s.Foreign {
			name += dim(" (started elsewhere)")
		}
		row("Recipe:", fmt.Sprintf("%s #%d", name, s.RecipeID))
	}
	if s.State.Active() || s.State.Terminal() {
		row("Progress:", fmt.Sprintf("[%s] %3d%%", progressBar(s.Percent, 20), s.Percent))
	}
	for _, m := range s.Manual {
		row("Add by hand:", fmt.Sprintf("%s %g %s", m.Name, m.Amount, m.Unit))
	}
	if s.LastError != "" {
		row("Last error:", red(s.LastError))
	}
	acts := make([]string, 0, len(s.Actions))
	for _, a := range s.Actions {
		acts = append(acts, string(a))
	}
	row("Actions:", strings.Join(acts, ", "))
	outln()
}

func printCheck(c order.Check) {
	outln()
	outln(header(fmt.Sprintf("FEASIBILITY #%d", c.RecipeID)))
	if c.Error != "" {
		row("Result:", red(c.Error))
		outln()
		return
	}
	r := c.Result
	if r.Orderable() {
		row("Result:", green("feasible"))
	} else {
		reason := r.Reason
		if reason == "" {
			reason = "not feasible"
		}
		row("Result:", red(reason))
	}
	row("Total:", fmt.Sprintf("%d ml", r.TotalAmountInMl))
	for _, ri := range r.RequiredIngredients {
		line := fmt.Sprintf("%d %s", ri.AmountRequired, unitOr(ri.Ingredient.Unit))
		if ri.AmountMissing > 0 {
			line += red(fmt.Sprintf("  missing %d", ri.AmountMissing))
		}
		row("  "+padRight(ri.Ingredient.Name, 16), line)
	}
	outln()
}

func unitOr(u string) string {
	if u == "" {
		return "ml"
	}
	return u
}
