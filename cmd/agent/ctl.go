package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cisec/lockdown-agent/internal/api"
	"github.com/cisec/lockdown-agent/internal/config"
	"github.com/cisec/lockdown-agent/internal/safety"
	"github.com/cisec/lockdown-agent/pkg/protocol"
	"github.com/cisec/lockdown-agent/pkg/types"
)

const ctlTimeout = 10 * time.Second

var agentAddr string

// newCtlCmds returns the thin client commands for a running agent.
func newCtlCmds() []*cobra.Command {
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Control the integrity monitor",
	}
	monitorCmd.AddCommand(
		commandCmd("start", "Start the integrity monitor", protocol.CommandStartMonitor),
		commandCmd("stop", "Stop the integrity monitor", protocol.CommandStopMonitor),
	)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
			defer cancel()

			st, err := newClient().Status(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Stream agent events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := safety.NotifyShutdown(cmd.Context())
			defer stop()
			return newClient().Events(ctx, printEvent)
		},
	}

	cmds := []*cobra.Command{
		commandCmd("lock", "Lock the network to the allow-list", protocol.CommandLock),
		commandCmd("unlock", "Restore network access", protocol.CommandUnlock),
		monitorCmd,
		statusCmd,
		eventsCmd,
	}
	for _, c := range cmds {
		c.PersistentFlags().StringVar(&agentAddr, "addr", "", "control API address (default from config)")
	}
	return cmds
}

func commandCmd(use, short string, name protocol.CommandName) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
			defer cancel()

			resp, err := newClient().Send(ctx, name)
			if err != nil {
				return err
			}
			if !resp.Accepted {
				return fmt.Errorf("%s rejected: %s (state %s)", name, resp.Error, resp.State)
			}
			fmt.Printf("%s accepted (state %s)\n", name, resp.State)
			return nil
		},
	}
}

func newClient() *api.Client {
	addr := agentAddr
	if addr == "" {
		addr = config.DefaultAgentConfig().Control.Listen
		if cfg, err := config.LoadAgentConfig(cfgFile); err == nil {
			addr = cfg.Control.Listen
		}
	}
	return api.NewClient(addr, ctlTimeout)
}

func printEvent(ev types.Event) {
	ts := ev.Timestamp.Local().Format("15:04:05")
	switch ev.Kind {
	case types.EventViolation:
		fmt.Printf("[%s] VIOLATION %s: %s\n", ts, ev.Category, ev.Message)
	case types.EventError:
		fmt.Printf("[%s] ERROR: %s\n", ts, ev.Message)
	default:
		fmt.Printf("[%s] %s\n", ts, ev.Message)
	}
}
