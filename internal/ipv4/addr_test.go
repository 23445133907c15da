package ipv4

import "testing"

func TestParseAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Addr
		wantErr bool
	}{
		{"192.168.0.1", Addr{192, 168, 0, 1}, false},
		{"0.0.0.0", Addr{}, false},
		{"255.255.255.255", Broadcast, false},
		{"1.2.3", Addr{}, true},
		{"1.2.3.4.5", Addr{}, true},
		{"1.2.3.256", Addr{}, true},
		{"a.b.c.d", Addr{}, true},
	}
	for _, tt := range tests {
		got, err := ParseAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseAddr(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAddr_String(t *testing.T) {
	t.Parallel()

	if got := (Addr{10, 0, 0, 1}).String(); got != "10.0.0.1" {
		t.Errorf("String() = %q, want %q", got, "10.0.0.1")
	}
}

func TestAddr_Mask(t *testing.T) {
	t.Parallel()

	a := Addr{192, 168, 1, 200}
	netmask := Addr{255, 255, 255, 0}
	if got := a.Mask(netmask); got != (Addr{192, 168, 1, 0}) {
		t.Errorf("Mask() = %v, want 192.168.1.0", got)
	}
}

func TestAddr_BroadcastFor(t *testing.T) {
	t.Parallel()

	a := Addr{192, 168, 1, 10}
	netmask := Addr{255, 255, 255, 0}
	if got := a.BroadcastFor(netmask); got != (Addr{192, 168, 1, 255}) {
		t.Errorf("BroadcastFor() = %v, want 192.168.1.255", got)
	}
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	got, err := ParseEndpoint("10.0.0.1:8080")
	if err != nil {
		t.Fatalf("ParseEndpoint() error: %v", err)
	}
	want := Endpoint{Addr: Addr{10, 0, 0, 1}, Port: 8080}
	if got != want {
		t.Errorf("ParseEndpoint() = %+v, want %+v", got, want)
	}
	if got.String() != "10.0.0.1:8080" {
		t.Errorf("String() = %q, want %q", got.String(), "10.0.0.1:8080")
	}
}

func TestParseEndpoint_invalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"10.0.0.1", "10.0.0.1:notaport", "nothost:80"} {
		if _, err := ParseEndpoint(s); err == nil {
			t.Errorf("ParseEndpoint(%q) succeeded, want error", s)
		}
	}
}
