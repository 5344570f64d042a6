// Command fleetctl is the operator and agent CLI for fleetwatch.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/fleetwatch/errors"
)

var version = "dev"

// globals holds the flags shared by every subcommand.
type globals struct {
	server  string
	timeout time.Duration
	json    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		for field, msg := range errors.Fields(err) {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", field, msg)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate a fleetwatch daemon and run heartbeat agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.server, "server", "s", envOr("FLEETWATCH_SERVER", "http://localhost:8000"), "fleetwatch API base URL")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "Request timeout")
	cmd.PersistentFlags().BoolVar(&g.json, "json", false, "Print raw JSON")

	cmd.AddCommand(
		newAgentCmd(g),
		newSimulateCmd(g),
		newNodesCmd(g),
		newServicesCmd(g),
		newSweepCmd(g),
		newEventsCmd(g),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// client talks to the fleetwatch HTTP API.
type client struct {
	base string
	http *http.Client
}

func (g *globals) client() *client {
	return &client{
		base: strings.TrimRight(g.server, "/"),
		http: &http.Client{Timeout: g.timeout},
	}
}

type apiError struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields"`
}

// do sends body as JSON and decodes a 2xx answer into out. Other answers
// become errors carrying the server's message and code.
func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.InvalidInput("encode request", errors.WithCause(err))
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return errors.InvalidInput("build request", errors.WithCause(err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Unavailable("fleetwatch unreachable at "+c.base, errors.WithCause(err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Unavailable("read response", errors.WithCause(err))
	}

	if resp.StatusCode/100 != 2 {
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		msg := ae.Error
		if msg == "" {
			msg = resp.Status
		}
		code := errors.ErrorCode(ae.Code)
		if code == "" {
			code = errors.ErrCodeUnavailable
		}
		return errors.New(code, msg, errors.WithFields(ae.Fields))
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = data
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
