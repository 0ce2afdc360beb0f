// Pourctl is the command-line client for a running pourlinkd. It shows the
// connection and production state, places and controls orders, and streams
// live events from the daemon.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/large-farva/pourlink/internal/config"
	"github.com/large-farva/pourlink/internal/ctl"
)

func main() {
	var (
		host    = pflag.StringP("host", "H", "http://127.0.0.1:8090", "pourlinkd URL")
		jsonOut = pflag.Bool("json", false, "Output raw JSON instead of formatted text")
	)

	// Stop at the command name so command flags like --volume reach the
	// command's own flag set.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd := pflag.Arg(0)
	subArgs := pflag.Args()[1:]

	var err error
	switch cmd {
	// ── Query commands ────────────────────────────────────────────
	case "status":
		err = ctl.Status(*host, *jsonOut)

	case "health":
		err = ctl.Health(*host, *jsonOut)

	case "version":
		err = ctl.VersionInfo(*host, *jsonOut)

	case "production":
		err = ctl.Production(*host, *jsonOut)

	case "pumps":
		err = ctl.Pumps(*host, *jsonOut)

	case "feasibility":
		var opts ctl.OrderOptions
		opts, err = orderFlags("feasibility", subArgs, *jsonOut)
		if err == nil {
			err = ctl.Feasibility(*host, opts)
		}

	// ── Control commands ──────────────────────────────────────────
	case "order":
		var opts ctl.OrderOptions
		opts, err = orderFlags("order", subArgs, *jsonOut)
		if err == nil {
			err = ctl.Order(*host, opts)
		}

	case "cancel":
		err = ctl.Cancel(*host, *jsonOut)

	case "continue":
		err = ctl.Continue(*host, *jsonOut)

	case "dismiss":
		err = ctl.Dismiss(*host, *jsonOut)

	case "login":
		fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
		token := fs.String("token", os.Getenv(config.TokenEnv), "Bearer token for the appliance")
		if err = fs.Parse(subArgs); err == nil {
			err = ctl.Login(*host, *token, *jsonOut)
		}

	case "logout":
		err = ctl.Logout(*host, *jsonOut)

	// ── Live streaming ────────────────────────────────────────────
	case "watch":
		fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
		filter := fs.StringSlice("filter", nil, "Event types to show (e.g. production,pump)")
		if err = fs.Parse(subArgs); err == nil {
			err = ctl.Watch(*host, ctl.WatchOptions{Filter: *filter, JSON: *jsonOut})
		}

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// orderFlags parses "<recipeId> [--volume ML] [--boost PCT] [--extra ID=ML]...".
func orderFlags(name string, args []string, jsonOut bool) (ctl.OrderOptions, error) {
	opts := ctl.OrderOptions{JSON: jsonOut}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.IntVar(&opts.Volume, "volume", 0, "Volume in ml (default: 250)")
	fs.IntVar(&opts.Boost, "boost", 100, "Alcohol strength in percent of the recipe")
	fs.StringArrayVar(&opts.Extras, "extra", nil, "Additional ingredient as id=ml (repeatable)")
	fs.BoolVar(&opts.Ingredient, "ingredient", false, "Treat the id as a single ingredient")
	if name == "order" {
		fs.BoolVar(&opts.SkipCheck, "skip-check", false, "Do not re-check feasibility before ordering")
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() < 1 {
		return opts, fmt.Errorf("%s: recipe id required", name)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return opts, fmt.Errorf("%s: recipe id %q is not a number", name, fs.Arg(0))
	}
	opts.RecipeID = id
	return opts, nil
}

func usage() {
	fmt.Print(`
  pourctl — pourlink control CLI

  USAGE
    pourctl [flags] <command> [command-flags]

  COMMANDS (query)
    status          Show connection, credential, and production state
    health          Check the daemon is reachable
    version         Show CLI and daemon version information
    production      Show the current pour in detail
    pumps           Show each watched pump's running state
    feasibility ID  Check whether a recipe can be poured right now

  COMMANDS (control)
    order ID        Pour a recipe
    cancel          Abort the current pour
    continue        Resume after adding manual ingredients
    dismiss         Clear a finished, cancelled, or foreign pour
    login           Hand the daemon a new appliance token
    logout          Drop the token and disconnect

  COMMANDS (live)
    watch           Stream live events from the daemon (Ctrl-C to stop)

  GLOBAL FLAGS
    -H, --host URL      Daemon base URL (default: http://127.0.0.1:8090)
        --json          Output raw JSON instead of formatted text

  COMMAND FLAGS
    order, feasibility:
        --volume ML         Volume in ml (default: 250)
        --boost PCT         Alcohol strength, 100 is the recipe as written
        --extra ID=ML       Additional ingredient (repeatable)
        --ingredient        Treat ID as a single ingredient
        --skip-check        (order only) Skip the feasibility re-check

    login:
        --token TOKEN       Bearer token (default: $POURLINK_TOKEN)

    watch:
        --filter TYPES      Event types to show (connection,production,pump,feasibility,log,heartbeat)

  EXAMPLES
    pourctl status
    pourctl --json production
    pourctl feasibility 1 --volume 300 --boost 120
    pourctl order 1 --extra 4=20
    pourctl continue
    pourctl login --token "$TOKEN"
    pourctl --host http://192.168.8.1:8090 watch --filter production,pump

`)
}
