package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring the stack up and run until interrupted",
	Long: `Load the configured devices, bind their IPv4 interfaces and routes,
start the interrupt/softirq dispatch loop, and block until SIGINT or
SIGTERM.

A tap device with mirror_to_host set also gets its address, link state,
and routes mirrored into the host kernel's own tables via netlink, so host
tools (ping, tcpdump) can reach it; the mirrored routes are removed again
on shutdown.

Creating a TAP device requires root privileges:
  sudo netstackd up`,
	RunE: runUp,
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bs, err := buildStack(cfg, globalLogger, true)
	if err != nil {
		return fmt.Errorf("assembling stack: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bs.stack.Run(ctx); err != nil {
		return fmt.Errorf("starting stack: %w", err)
	}
	globalLogger.Info("netstackd running", "config", resolvedConfigPath(), "devices", len(bs.devices))

	<-ctx.Done()
	globalLogger.Info("shutting down")
	bs.teardownHostMirrors(globalLogger)
	return bs.stack.Shutdown()
}
