package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/fleetwatch/bus"
	"github.com/vinayprograms/fleetwatch/heartbeat"
	"github.com/vinayprograms/fleetwatch/logging"
)

// senderFlags are shared by agent and simulate.
type senderFlags struct {
	interval  time.Duration
	transport string
	natsURL   string
	subject   string
	noReply   bool
}

func (f *senderFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.interval, "interval", 30*time.Second, "Heartbeat interval")
	cmd.Flags().StringVar(&f.transport, "transport", "http", "Heartbeat transport: http or nats")
	cmd.Flags().StringVar(&f.natsURL, "nats-url", envOr("FLEETWATCH_NATS_URL", "nats://localhost:4222"), "NATS server URL (nats transport)")
	cmd.Flags().StringVar(&f.subject, "subject", bus.SubjectHeartbeat, "Heartbeat subject (nats transport)")
	cmd.Flags().BoolVar(&f.noReply, "no-reply", false, "Publish without waiting for the gateway's reply (nats transport)")
}

// open returns the transport and a cleanup for it.
func (f *senderFlags) open(g *globals) (heartbeat.Transport, func(), error) {
	switch strings.ToLower(f.transport) {
	case "http":
		url := strings.TrimRight(g.server, "/") + "/heartbeat/"
		return heartbeat.NewHTTPTransport(url, g.timeout), func() {}, nil
	case "nats":
		cfg := bus.DefaultNATSConfig()
		cfg.URL = f.natsURL
		cfg.Name = "fleetctl"
		nb, err := bus.NewNATSBus(cfg)
		if err != nil {
			return nil, nil, err
		}
		t := &heartbeat.BusTransport{Bus: nb, Subject: f.subject, FireAndForget: f.noReply}
		return t, func() { nb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (want http or nats)", f.transport)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newAgentCmd(g *globals) *cobra.Command {
	var sf senderFlags
	var ip, name string
	var once bool

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Send this host's heartbeats until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, cleanup, err := sf.open(g)
			if err != nil {
				return err
			}
			defer cleanup()

			log := logging.New().WithComponent("agent")
			sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
				Transport: transport,
				Collect:   heartbeat.LocalCollector(ip, name),
				Interval:  sf.interval,
				Timeout:   g.timeout,
				Logger:    log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if once {
				resp, err := sender.SendOnce(ctx)
				if err != nil {
					return err
				}
				return printResponse(cmd, g, resp)
			}
			if err := sender.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			fmt.Fprintf(cmd.ErrOrStderr(), "agent stopped: %d sent, %d failed\n", sender.Sent(), sender.Failed())
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&ip, "ip", "", "Reported IP address (default: detected)")
	cmd.Flags().StringVar(&name, "name", "", "Reported node name (default: hostname)")
	cmd.Flags().BoolVar(&once, "once", false, "Send a single heartbeat and print the reply")
	return cmd
}

func printResponse(cmd *cobra.Command, g *globals, resp *heartbeat.Response) error {
	if g.json {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	verb := "updated"
	if resp.Created {
		verb = "created"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: node %s (%s) %s\n", resp.Status, resp.NodeName, resp.NodeID, verb)
	return nil
}

func newSimulateCmd(g *globals) *cobra.Command {
	var sf senderFlags
	var count int
	var base string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send heartbeats for a fleet of simulated nodes",
		Long: "Each simulated node gets an address <base>.<100+i>, the name sim-node-<i> and\n" +
			"random resource figures on every beat.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			transport, cleanup, err := sf.open(g)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			log := logging.New().WithComponent("simulate")
			senders := make([]*heartbeat.Sender, 0, count)
			for i := 1; i <= count; i++ {
				s, err := heartbeat.NewSender(heartbeat.SenderConfig{
					Transport: transport,
					Collect:   heartbeat.SimulatedCollector(base, i),
					Interval:  sf.interval,
					Timeout:   g.timeout,
					Logger:    log,
				})
				if err != nil {
					return err
				}
				if err := s.Start(ctx); err != nil {
					return err
				}
				senders = append(senders, s)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "simulating %d nodes from %s every %s\n",
				count, heartbeat.SimulatedIP(base, 1), sf.interval)

			<-ctx.Done()
			var sent, failed int64
			for _, s := range senders {
				sent += s.Sent()
				failed += s.Failed()
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "simulation stopped: %d sent, %d failed\n", sent, failed)
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 5, "Number of simulated nodes")
	cmd.Flags().StringVar(&base, "base", "192.168.1", "First three octets of simulated addresses")
	return cmd
}
