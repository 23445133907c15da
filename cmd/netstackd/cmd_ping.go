package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/netstack/internal/icmp"
	"github.com/kuuji/netstack/internal/ipv4"
)

var (
	pingCount   int
	pingTimeout time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping <destination>",
	Short: "Send ICMP echo requests through the configured stack",
	Long: `Bring up the configured devices and send ICMP echo requests to
destination, printing each reply's round-trip time. Useful for exercising
the device, ARP, IPv4 and ICMP layers end to end.`,
	Args: cobra.ExactArgs(1),
	RunE: runPing,
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 4, "number of echo requests to send")
	pingCmd.Flags().DurationVarP(&pingTimeout, "timeout", "W", 2*time.Second, "time to wait for each reply")
}

func runPing(cmd *cobra.Command, args []string) error {
	dst, err := ipv4.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", args[0], err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bs, err := buildStack(cfg, globalLogger, true)
	if err != nil {
		return fmt.Errorf("assembling stack: %w", err)
	}
	defer bs.teardownHostMirrors(globalLogger)

	route, err := bs.ip.Routes.Lookup(dst)
	if err != nil {
		return fmt.Errorf("no route to %s: %w", dst, err)
	}
	src := route.Iface.Unicast

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bs.stack.Run(ctx); err != nil {
		return fmt.Errorf("starting stack: %w", err)
	}
	defer bs.stack.Shutdown()

	const id = 1
	replies := bs.icmp.Replies()
	sent, received := 0, 0

	for seq := 1; seq <= pingCount; seq++ {
		payload := []byte("netstackd-ping")
		start := time.Now()
		if err := bs.icmp.Echo(src, dst, id, uint16(seq), payload); err != nil {
			fmt.Printf("seq=%d error: %v\n", seq, err)
			continue
		}
		sent++

		select {
		case reply := <-replies:
			received++
			fmt.Printf("%d bytes from %s: icmp_seq=%d time=%s\n", len(reply.Data), reply.Src, reply.Seq, time.Since(start))
		case <-time.After(pingTimeout):
			fmt.Printf("seq=%d timeout\n", seq)
		}
	}

	fmt.Printf("\n%d packets transmitted, %d received\n", sent, received)
	return nil
}
