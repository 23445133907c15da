package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Show the routing table a config would install",
	Long: `Assemble the stack from the configured devices and interfaces
(without opening any of them) and print the resulting routing table,
including the on-link routes AddInterface installs automatically.`,
	RunE: runRoute,
}

func runRoute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bs, err := buildStack(cfg, globalLogger, false)
	if err != nil {
		return fmt.Errorf("assembling stack: %w", err)
	}

	routes := bs.ip.Routes.Routes()
	if len(routes) == 0 {
		fmt.Println("No routes.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NETWORK\tNETMASK\tNEXTHOP\tDEVICE")
	for _, r := range routes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Network, r.Netmask, r.Nexthop, r.Iface.Device().Name())
	}
	w.Flush()

	return nil
}
