package ctl

import (
	"fmt"

	"github.com/large-farva/pourlink/internal/pump"
)

// Pumps lists the watched pumps and what each is doing.
func Pumps(baseURL string, jsonOutput bool) error {
	var states []pump.JobState
	if err := getJSON(baseURL, "/api/pumps", &states); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(states)
	}

	outln()
	outln(header("PUMPS"))
	if len(states) == 0 {
		outln(dim("  no pumps watched"))
	}
	for _, s := range states {
		label := fmt.Sprintf("Pump %d:", s.PumpID)
		if !s.Running() {
			row(label, dim("idle")+jobSuffix(s))
			continue
		}
		dir := "forward"
		if !s.RunningState.Forward {
			dir = "reverse"
		}
		if s.RunningState.RunInfinity {
			row(label, blue("running ")+dir+dim(" (continuous)")+jobSuffix(s))
			continue
		}
		pct := int(s.Progress())
		row(label, fmt.Sprintf("[%s] %3d%% %s%s", progressBar(pct, 20), pct, dir, jobSuffix(s)))
	}
	outln()
	return nil
}

func jobSuffix(s pump.JobState) string {
	if s.LastJobID == "" {
		return ""
	}
	return dim("  job " + string(s.LastJobID))
}
