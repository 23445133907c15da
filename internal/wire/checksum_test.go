package wire

import "testing"

func TestChecksum16_knownVector(t *testing.T) {
	t.Parallel()

	// RFC 1071 §2.3's worked example.
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	got := Checksum16(data, 0)
	want := uint16(0x220d)
	if got != want {
		t.Errorf("Checksum16() = %#04x, want %#04x", got, want)
	}
}

func TestChecksum16_selfVerifies(t *testing.T) {
	t.Parallel()

	data := []byte{0x45, 0x00, 0x00, 0x1c, 0x00, 0x01, 0x00, 0x00, 0x40, 0x01}
	sum := Checksum16(data, 0)

	buf := make([]byte, len(data)+2)
	copy(buf, data)
	buf[len(data)] = byte(sum >> 8)
	buf[len(data)+1] = byte(sum)

	if got := Checksum16(buf, 0); got != 0 {
		t.Errorf("Checksum16() over data+checksum = %#04x, want 0", got)
	}
}

func TestChecksum16_oddLength(t *testing.T) {
	t.Parallel()

	even := Checksum16([]byte{0x12, 0x34}, 0)
	odd := Checksum16([]byte{0x12, 0x34, 0x00}, 0)
	if even != odd {
		t.Errorf("checksum of odd-length data with trailing zero = %#04x, want %#04x (same as even-length)", odd, even)
	}
}

func TestPseudoHeaderSum(t *testing.T) {
	t.Parallel()

	src := [4]byte{192, 0, 2, 1}
	dst := [4]byte{192, 0, 2, 2}
	sum := PseudoHeaderSum(src, dst, 17, 8)
	if sum == 0 {
		t.Errorf("PseudoHeaderSum() = 0, want nonzero for nonzero inputs")
	}

	// Changing a field changes the sum (swapping src and dst would not:
	// the sum is commutative).
	other := PseudoHeaderSum(src, dst, 6, 8)
	if other == sum {
		t.Errorf("PseudoHeaderSum() did not change when the protocol changed")
	}
}
