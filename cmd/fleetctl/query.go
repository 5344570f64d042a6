package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/fleetwatch/aggregator"
	"github.com/vinayprograms/fleetwatch/api"
	"github.com/vinayprograms/fleetwatch/events"
	"github.com/vinayprograms/fleetwatch/registry"
	"github.com/vinayprograms/fleetwatch/store"
	"github.com/vinayprograms/fleetwatch/sweep"
	"github.com/vinayprograms/fleetwatch/transport"
)

// fetch runs one request and prints the answer, raw with --json or through
// table otherwise.
func fetch[T any](cmd *cobra.Command, g *globals, method, path string, body interface{}, table func(io.Writer, T)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()

	var raw json.RawMessage
	if err := g.client().do(ctx, method, path, body, &raw); err != nil {
		return err
	}
	if g.json {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	table(w, v)
	return w.Flush()
}

func newNodesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect and administer nodes",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Count nodes by liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, g, http.MethodGet, "/nodes/check/", nil, func(w io.Writer, c api.NodeCheck) {
				fmt.Fprintf(w, "total\t%d\n", c.Total)
				fmt.Fprintf(w, "alive\t%d\n", c.Active)
				fmt.Fprintf(w, "dead\t%d\n", c.Inactive)
			})
		},
	}

	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List nodes with their liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/nodes/"
			if activeOnly {
				path = "/nodes/active/"
			}
			return fetch(cmd, g, http.MethodGet, path, nil, nodeTable)
		},
	}
	list.Flags().BoolVar(&activeOnly, "active", false, "Only nodes enabled by the operator")

	get := &cobra.Command{
		Use:   "get <node-id>",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, g, http.MethodGet, "/nodes/"+args[0]+"/", nil, func(w io.Writer, n api.NodeView) {
				nodeTable(w, []api.NodeView{n})
			})
		},
	}

	var reg registry.Registration
	var nodeType string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a node explicitly",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg.NodeType = store.NodeType(nodeType)
			return fetch(cmd, g, http.MethodPost, "/nodes/", reg, func(w io.Writer, n api.NodeView) {
				nodeTable(w, []api.NodeView{n})
			})
		},
	}
	register.Flags().StringVar(&reg.Name, "name", "", "Node name")
	register.Flags().StringVar(&reg.IPAddress, "ip", "", "Node IP address")
	register.Flags().IntVar(&reg.Port, "port", store.DefaultPort, "Node port")
	register.Flags().StringVar(&nodeType, "type", string(store.NodeOther), "Node type: api, db, web, worker or other")

	cmd.AddCommand(check, list, get, register,
		toggleCmd(g, "enable", true),
		toggleCmd(g, "disable", false))
	return cmd
}

func toggleCmd(g *globals, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <node-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a node for sweeps and listings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]bool{"is_active": active}
			return fetch(cmd, g, http.MethodPatch, "/nodes/"+args[0]+"/", body, func(w io.Writer, n api.NodeView) {
				nodeTable(w, []api.NodeView{n})
			})
		},
	}
}

func nodeTable(w io.Writer, nodes []api.NodeView) {
	fmt.Fprintln(w, "ID\tNAME\tIP\tTYPE\tSTATUS\tLAST HEARTBEAT\tCPU\tMEM\tDISK")
	for _, n := range nodes {
		last := "never"
		if n.LastHeartbeat != nil {
			last = n.LastHeartbeat.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.Name, n.IPAddress, n.NodeType, n.StatusDisplay, last,
			pct(n.CPUUsage), pct(n.MemoryUsage), pct(n.DiskUsage))
	}
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func newServicesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Inspect and administer services",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Count services by operational flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, g, http.MethodGet, "/services/check/", nil, func(w io.Writer, s aggregator.Summary) {
				fmt.Fprintf(w, "total\t%d\n", s.Total)
				fmt.Fprintf(w, "operational\t%d\n", s.Operational)
				fmt.Fprintf(w, "non-operational\t%d\n", s.NonOperational)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, g, http.MethodGet, "/services/", nil, serviceTable)
		},
	}

	var spec aggregator.ServiceSpec
	create := &cobra.Command{
		Use:   "create",
		Short: "Add a service to the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, g, http.MethodPost, "/services/", spec, oneService)
		},
	}
	create.Flags().StringVar(&spec.Name, "name", "", "Service name")
	create.Flags().StringVar(&spec.Description, "description", "", "Service description")
	create.Flags().StringSliceVar(&spec.NodeIDs, "node", nil, "Linked node ID (repeatable)")

	var operational bool
	set := &cobra.Command{
		Use:   "set <service-id> --operational=<bool>",
		Short: "Override a service's operational flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("operational") {
				return fmt.Errorf("--operational is required")
			}
			body := map[string]bool{"is_operational": operational}
			return fetch(cmd, g, http.MethodPost, "/services/"+args[0]+"/update/", body, func(w io.Writer, r struct {
				Status  string        `json:"status"`
				Service store.Service `json:"service"`
			}) {
				fmt.Fprintln(w, r.Status)
				serviceTable(w, []store.Service{r.Service})
			})
		},
	}
	set.Flags().BoolVar(&operational, "operational", true, "New operational flag")

	link := &cobra.Command{
		Use:   "link <service-id> <node-id>",
		Short: "Attach a node to a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"node_id": args[1]}
			return fetch(cmd, g, http.MethodPost, "/services/"+args[0]+"/nodes/", body, oneService)
		},
	}
	unlink := &cobra.Command{
		Use:   "unlink <service-id> <node-id>",
		Short: "Detach a node from a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, g, http.MethodDelete, "/services/"+args[0]+"/nodes/"+args[1]+"/", nil, oneService)
		},
	}

	cmd.AddCommand(check, list, create, set, link, unlink)
	return cmd
}

func oneService(w io.Writer, s store.Service) {
	serviceTable(w, []store.Service{s})
}

func serviceTable(w io.Writer, svcs []store.Service) {
	fmt.Fprintln(w, "ID\tNAME\tOPERATIONAL\tNODES\tLAST CHECK")
	for _, s := range svcs {
		last := "never"
		if s.LastCheck != nil {
			last = s.LastCheck.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", s.ID, s.Name, s.IsOperational, len(s.NodeIDs), last)
	}
}

func newSweepCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one liveness sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, g, http.MethodPost, "/sweep/", nil, func(w io.Writer, s sweep.Summary) {
				fmt.Fprintf(w, "nodes\t%d (alive %d, dead %d)\n", s.Total, s.Alive, s.Dead)
				fmt.Fprintf(w, "services\t%d checked, %d changed\n", s.ServicesChecked, s.ServicesChanged)
				fmt.Fprintf(w, "failures\t%d\n", s.Failures)
				fmt.Fprintf(w, "duration\t%s\n", s.Duration)
			})
		},
	}
}

func newEventsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow liveness events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			c := transport.NewSSEClient(strings.TrimRight(g.server, "/")+"/events/stream", 64)
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case e, ok := <-c.Recv():
					if !ok {
						return fmt.Errorf("event stream closed by server")
					}
					if g.json {
						if err := json.NewEncoder(out).Encode(e); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(out, "%s  %-18s %s\n", e.Time.Local().Format(time.DateTime), e.Type, describe(e))
				}
			}
		},
	}
}

func describe(e events.Event) string {
	switch {
	case e.Sweep != nil:
		s := e.Sweep
		return fmt.Sprintf("%d nodes, %d alive, %d dead, %d services changed in %dms",
			s.Total, s.Alive, s.Dead, s.ServicesChanged, s.DurationMS)
	case e.ServiceID != "":
		state := "unknown"
		if e.Operational != nil {
			state = "non-operational"
			if *e.Operational {
				state = "operational"
			}
		}
		return fmt.Sprintf("service %s (%s) is %s", e.ServiceName, e.ServiceID, state)
	default:
		return fmt.Sprintf("node %s (%s) %s", e.NodeName, e.NodeID, e.IPAddress)
	}
}
