package ctl

import (
	"fmt"
	"strings"
	"time"

	"github.com/large-farva/pourlink/internal/production"
)

// ConnectionStatus mirrors the connection block of GET /api/status.
type ConnectionStatus struct {
	State            string   `json:"state"`
	Reconnecting     bool     `json:"reconnecting"`
	CountdownSeconds int      `json:"countdown_seconds"`
	DelaySeconds     float64  `json:"reconnect_delay_seconds"`
	ActiveTopics     []string `json:"active_topics"`
	Registered       []string `json:"registered_topics"`
	CredentialSet    bool     `json:"credential_set"`
	AuthRejected     bool     `json:"auth_rejected"`
}

// StatusResponse mirrors the JSON returned by GET /api/status.
type StatusResponse struct {
	Name          string              `json:"name"`
	Version       string              `json:"version"`
	Mode          string              `json:"mode"`
	Appliance     string              `json:"appliance"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Connection    ConnectionStatus    `json:"connection"`
	Production    production.Snapshot `json:"production"`
}

// Status fetches the daemon status and prints a formatted summary.
func Status(baseURL string, jsonOutput bool) error {
	var s StatusResponse
	if err := getJSON(baseURL, "/api/status", &s); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}

	outln()
	outln(header("POURLINK STATUS"))
	row("Daemon:", fmt.Sprintf("%s %s (%s)", s.Name, s.Version, s.Mode))
	row("Host:", strings.TrimRight(baseURL, "/"))
	row("Uptime:", formatDuration(time.Duration(s.UptimeSeconds)*time.Second))
	row("Appliance:", s.Appliance)
	printConnection(s.Connection)
	row("Production:", stateColor(string(s.Production.State))(string(s.Production.State)))
	outln()
	return nil
}

func printConnection(c ConnectionStatus) {
	state := stateColor(c.State)(c.State)
	if c.Reconnecting {
		state += dim(fmt.Sprintf("  retry in %ds", c.CountdownSeconds))
	}
	row("Connection:", state)
	switch {
	case c.AuthRejected:
		row("Credential:", red("rejected, run pourctl login"))
	case !c.CredentialSet:
		row("Credential:", yellow("not set"))
	default:
		row("Credential:", green("set"))
	}
	row("Topics:", fmt.Sprintf("%d active / %d registered", len(c.ActiveTopics), len(c.Registered)))
}
