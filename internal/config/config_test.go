package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if len(cfg.Devices) != 1 {
		t.Fatalf("default config has %d devices, want 1", len(cfg.Devices))
	}
	if cfg.Devices[0].Kind != "loopback" {
		t.Errorf("default device kind = %q, want loopback", cfg.Devices[0].Kind)
	}
	if cfg.Tunables.DefaultTTL != 255 {
		t.Errorf("default TTL = %d, want 255", cfg.Tunables.DefaultTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestSaveAndLoadConfig_roundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "netstackd", "config.toml")

	original := &Config{
		Devices: []DeviceConfig{
			{Name: "lo", Kind: "loopback", MTU: 65535, Address: "127.0.0.1/8"},
			{Name: "eth0", Kind: "tap", TAPName: "tap0", HardwareAddr: "02:00:00:00:00:01", Address: "10.0.0.1/24"},
		},
		Routes: []RouteConfig{
			{Network: "0.0.0.0/0", Nexthop: "10.0.0.254", Device: "eth0"},
		},
		Tunables: TunablesConfig{
			DefaultTTL:          64,
			UDPEphemeralPortMin: 50000,
			UDPEphemeralPortMax: 50100,
		},
	}

	if err := original.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(loaded.Devices) != len(original.Devices) {
		t.Fatalf("loaded %d devices, want %d", len(loaded.Devices), len(original.Devices))
	}
	for i, d := range loaded.Devices {
		if d != original.Devices[i] {
			t.Errorf("device[%d] = %+v, want %+v", i, d, original.Devices[i])
		}
	}
	if loaded.Tunables != original.Tunables {
		t.Errorf("tunables = %+v, want %+v", loaded.Tunables, original.Tunables)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "unknown device kind",
			cfg:  Config{Devices: []DeviceConfig{{Name: "x", Kind: "bogus"}}},
			wantErr: true,
		},
		{
			name:    "tap without tap_name",
			cfg:     Config{Devices: []DeviceConfig{{Name: "x", Kind: "tap"}}},
			wantErr: true,
		},
		{
			name: "route references undefined device",
			cfg: Config{
				Devices: []DeviceConfig{{Name: "lo", Kind: "loopback"}},
				Routes:  []RouteConfig{{Network: "0.0.0.0/0", Nexthop: "0.0.0.0", Device: "eth0"}},
			},
			wantErr: true,
		},
		{
			name: "valid",
			cfg:  Config{Devices: []DeviceConfig{{Name: "lo", Kind: "loopback"}}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
