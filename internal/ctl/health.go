package ctl

import (
	"strings"
)

// Health checks daemon liveness via GET /healthz.
func Health(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	status, _, err := getRaw(baseURL, "/healthz")
	if err != nil {
		if jsonOutput {
			return printJSON(map[string]any{"healthy": false, "url": baseURL, "error": err.Error()})
		}
		return err
	}

	healthy := status == 200
	if jsonOutput {
		return printJSON(map[string]any{"healthy": healthy, "url": baseURL})
	}

	outln()
	if healthy {
		outf("  %s  pourlinkd is reachable at %s\n", green("HEALTHY"), dim(baseURL))
	} else {
		outf("  %s  pourlinkd returned HTTP %d at %s\n", red("UNHEALTHY"), status, dim(baseURL))
	}
	outln()
	return nil
}
