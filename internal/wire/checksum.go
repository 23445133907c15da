// Package wire holds the small, protocol-agnostic helpers that the IPv4,
// ICMP, UDP and TCP engines treat as external collaborators: the Internet
// checksum and the IPv4 pseudo-header sum. Nothing here owns any protocol
// semantics; every real stack reaches for the same handful of bit-twiddling
// routines.
package wire

import "encoding/binary"

// Checksum16 computes the Internet checksum (RFC 1071) of data, folding in
// an initial value (used to carry a pseudo-header sum into a payload
// checksum). Data that already contains its correct checksum field sums to
// 0, which is how received headers are verified. It matches cksum16 in the
// original C stack: a
// ones-complement sum of 16-bit words, odd trailing byte zero-padded.
func Checksum16(data []byte, initial uint32) uint16 {
	sum := initial
	n := len(data)
	for n > 1 {
		sum += uint32(binary.BigEndian.Uint16(data))
		data = data[2:]
		n -= 2
	}
	if n == 1 {
		sum += uint32(data[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeaderSum returns the partial checksum contribution of an IPv4
// pseudo-header (src, dst, protocol, length), to be folded into Checksum16
// as the initial value when checksumming a UDP or TCP segment.
func PseudoHeaderSum(src, dst [4]byte, protocol uint8, length uint16) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}
