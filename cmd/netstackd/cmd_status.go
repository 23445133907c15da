package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the devices, interfaces and routes a config would bring up",
	Long: `Load and validate the configuration, then print the devices it
defines, the IPv4 interfaces bound to them, and its static routes.
Unlike bamgate's "status", this does not talk to a running instance —
netstackd has no control socket. It reports what "netstackd up" would
configure.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Config:  %s\n", resolvedConfigPath())
	fmt.Fprintf(os.Stdout, "TTL:     %d\n", cfg.Tunables.DefaultTTL)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tKIND\tMTU\tADDRESS")
	for _, d := range cfg.Devices {
		mtu := d.MTU
		if mtu == 0 {
			fmt.Fprintf(w, "%s\t%s\tdefault\t%s\n", d.Name, d.Kind, orDash(d.Address))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Name, d.Kind, mtu, orDash(d.Address))
	}
	w.Flush()

	if len(cfg.Routes) == 0 {
		return nil
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NETWORK\tNEXTHOP\tDEVICE")
	for _, r := range cfg.Routes {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Network, r.Nexthop, r.Device)
	}
	w.Flush()

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
