package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/netstack/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create a config file",
	Long: `Walk through an interactive form to choose a device kind and IPv4
address (plus the TAP name and hardware address for a tap device), then
write the result to --config (or the default config path).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}

	cfg := config.DefaultConfig()
	device := &cfg.Devices[0]

	kindOptions := []huh.Option[string]{
		huh.NewOption("loopback (127.0.0.1/8, no host interaction)", "loopback"),
		huh.NewOption("tap (bridges to a host /dev/net/tun interface, Linux only)", "tap"),
		huh.NewOption("dummy (discards everything, for testing)", "dummy"),
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Device kind").
				Options(kindOptions...).
				Value(&device.Kind),
		),
	).WithTheme(customHuhTheme())
	if err := form.Run(); err != nil {
		return fmt.Errorf("cancelled")
	}

	fields := []huh.Field{
		huh.NewInput().
			Title("IPv4 address (CIDR)").
			Placeholder("10.0.0.1/24").
			Value(&device.Address),
	}
	if device.Kind == "tap" {
		device.TAPName = "tap0"
		device.HardwareAddr = "02:00:00:00:00:01"
		fields = append(fields,
			huh.NewInput().Title("host TAP interface name").Value(&device.TAPName),
			huh.NewInput().Title("hardware address").Value(&device.HardwareAddr),
		)
	}

	detailForm := huh.NewForm(huh.NewGroup(fields...)).WithTheme(customHuhTheme())
	if err := detailForm.Run(); err != nil {
		return fmt.Errorf("cancelled")
	}

	if device.Kind == "loopback" {
		device.MTU = 65535
	}

	var confirmed bool
	confirmForm := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Write config to %s?", path)).
				Affirmative("Write").
				Negative("Cancel").
				Value(&confirmed),
		),
	).WithTheme(customHuhTheme())
	if err := confirmForm.Run(); err != nil {
		return fmt.Errorf("cancelled")
	}
	if !confirmed {
		fmt.Println("Cancelled.")
		return nil
	}

	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
