package tcp

import (
	"encoding/binary"

	"github.com/kuuji/netstack/internal/ipv4"
	"github.com/kuuji/netstack/internal/wire"
)

// output builds and transmits a segment carrying flags and data for an
// established (or handshaking) pcb, matching tcp_output: SEQ is SND.NXT
// normally, or ISS when sending the initial SYN; ACK is always RCV.NXT;
// WND is RCV.WND.
func (e *Engine) output(p *pcb, flags uint8, data []byte) error {
	seq := p.sndNxt
	if flags&FlagSYN != 0 {
		seq = p.iss
	}
	return e.outputRaw(p.local, p.foreign, seq, p.rcvNxt, flags, data, p.rcvWnd)
}

// outputRaw builds a segment from explicit seq/ack/window and transmits it
// via the IPv4 engine, matching tcp_output_segment.
func (e *Engine) outputRaw(local, foreign ipv4.Endpoint, seq, ack uint32, flags uint8, data []byte, window uint32) error {
	total := headerSizeMin + len(data)
	hdr := make([]byte, total)
	binary.BigEndian.PutUint16(hdr[0:2], local.Port)
	binary.BigEndian.PutUint16(hdr[2:4], foreign.Port)
	binary.BigEndian.PutUint32(hdr[4:8], seq)
	binary.BigEndian.PutUint32(hdr[8:12], ack)
	hdr[12] = byte(headerSizeMin/4) << 4
	hdr[13] = flags
	if window > 0xffff {
		window = 0xffff
	}
	binary.BigEndian.PutUint16(hdr[14:16], uint16(window))
	binary.BigEndian.PutUint16(hdr[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(hdr[18:20], 0) // urgent pointer
	copy(hdr[headerSizeMin:], data)

	pseudo := wire.PseudoHeaderSum(local.Addr, foreign.Addr, ipv4.ProtoTCP, uint16(total))
	binary.BigEndian.PutUint16(hdr[16:18], wire.Checksum16(hdr, pseudo))

	return e.ip.Output(ipv4.ProtoTCP, hdr, local.Addr, foreign.Addr)
}
