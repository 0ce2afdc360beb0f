package ctl

import (
	"errors"
	"net/http"
	"strings"
)

type credentialResponse struct {
	OK         bool             `json:"ok"`
	Connection ConnectionStatus `json:"connection"`
}

// Login hands the daemon a new bearer token. The daemon reconnects with it.
func Login(baseURL, token string, jsonOutput bool) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token required (--token or POURLINK_TOKEN)")
	}
	var resp credentialResponse
	if err := call(baseURL, http.MethodPut, "/api/credential", map[string]string{"token": token}, &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}
	outln()
	outf("  %s  connection %s\n", green("LOGGED IN"), stateColor(resp.Connection.State)(resp.Connection.State))
	outln()
	return nil
}

// Logout drops the credential and the connection. Topic registrations stay
// with the daemon so the next login resumes them.
func Logout(baseURL string, jsonOutput bool) error {
	var resp credentialResponse
	if err := call(baseURL, http.MethodDelete, "/api/credential", nil, &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}
	outln()
	outf("  %s  %d topics kept for next login\n", yellow("LOGGED OUT"), len(resp.Connection.Registered))
	outln()
	return nil
}
