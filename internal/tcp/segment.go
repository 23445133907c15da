package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/kuuji/netstack/internal/ipv4"
	"github.com/kuuji/netstack/internal/wire"
)

type segment struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint8
	window           uint16
	payload          []byte
	len              uint32 // seg.len: payload octets + SYN + FIN, per RFC 793 §3.3
}

func parseSegment(data []byte) (segment, error) {
	if len(data) < headerSizeMin {
		return segment{}, fmt.Errorf("tcp: segment too short (%d bytes)", len(data))
	}
	dataOffset := int(data[12]>>4) * 4
	if dataOffset < headerSizeMin || dataOffset > len(data) {
		return segment{}, fmt.Errorf("tcp: invalid data offset %d", dataOffset)
	}
	seg := segment{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		seq:     binary.BigEndian.Uint32(data[4:8]),
		ack:     binary.BigEndian.Uint32(data[8:12]),
		flags:   data[13],
		window:  binary.BigEndian.Uint16(data[14:16]),
		payload: data[dataOffset:],
	}
	seg.len = uint32(len(seg.payload))
	if seg.flags&FlagSYN != 0 {
		seg.len++
	}
	if seg.flags&FlagFIN != 0 {
		seg.len++
	}
	return seg, nil
}

// selectPCB finds the PCB matching local/foreign, preferring an exact
// foreign-endpoint match and falling back to a LISTEN PCB with a wildcard
// foreign endpoint, matching tcp_pcb_select.
func (e *Engine) selectPCB(local, foreign ipv4.Endpoint) *pcb {
	var listenCandidate *pcb
	for _, p := range e.pcbs {
		if p.state == StateFree {
			continue
		}
		if p.local.Port != local.Port {
			continue
		}
		if p.local.Addr != ipv4.Any && p.local.Addr != local.Addr {
			continue
		}
		if p.foreign == foreign {
			return p
		}
		if p.state == StateListen && p.foreign == (ipv4.Endpoint{}) {
			listenCandidate = p
		}
	}
	return listenCandidate
}

func (e *Engine) input(data []byte, src, dst ipv4.Addr, iface *ipv4.Interface) error {
	// TCP supports unicast only, matching tcp_input's rejection of any
	// segment whose source or destination is the general or
	// interface-directed broadcast address.
	if src == ipv4.Broadcast || src == iface.Broadcast || dst == ipv4.Broadcast || dst == iface.Broadcast {
		return fmt.Errorf("tcp: only supports unicast, src=%s dst=%s", src, dst)
	}

	seg, err := parseSegment(data)
	if err != nil {
		return err
	}
	pseudo := wire.PseudoHeaderSum(src, dst, ipv4.ProtoTCP, uint16(len(data)))
	if wire.Checksum16(data, pseudo) != 0 {
		return fmt.Errorf("tcp: checksum mismatch")
	}

	local := ipv4.Endpoint{Addr: dst, Port: seg.dstPort}
	foreign := ipv4.Endpoint{Addr: src, Port: seg.srcPort}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.selectPCB(local, foreign)
	if p == nil || p.state == StateClosed {
		return e.replyNoPCB(local, foreign, seg)
	}
	return e.segmentArrives(p, local, foreign, seg, iface)
}

// replyNoPCB handles a segment that matches no open PCB (or a CLOSED one),
// matching the "no PCB"/CLOSED branch of tcp_segment_arrives: a RST is
// dropped, an ACK-less segment gets RST|ACK, otherwise a bare RST echoing
// the peer's ACK number.
func (e *Engine) replyNoPCB(local, foreign ipv4.Endpoint, seg segment) error {
	if seg.flags&FlagRST != 0 {
		return nil
	}
	if seg.flags&FlagACK == 0 {
		return e.outputRaw(local, foreign, 0, seg.seq+seg.len, FlagRST|FlagACK, nil, bufSize)
	}
	return e.outputRaw(local, foreign, seg.ack, 0, FlagRST, nil, bufSize)
}

// segmentArrives implements RFC 793 §3.9's SEGMENT ARRIVES for the
// LISTEN/SYN_RECEIVED/ESTABLISHED subset, matching tcp_segment_arrives.
// SYN_RECEIVED intentionally falls through into the ACK-processing logic
// shared with ESTABLISHED, the same way tcp_segment_arrives's switch has no
// break between those cases.
func (e *Engine) segmentArrives(p *pcb, local, foreign ipv4.Endpoint, seg segment, iface *ipv4.Interface) error {
	switch p.state {
	case StateListen:
		if seg.flags&FlagRST != 0 {
			return nil
		}
		if seg.flags&FlagACK != 0 {
			return e.outputRaw(local, foreign, seg.ack, 0, FlagRST, nil, bufSize)
		}
		if seg.flags&FlagSYN == 0 {
			return nil
		}
		p.local = local
		p.foreign = foreign
		p.rcvWnd = bufSize
		p.rcvNxt = seg.seq + 1
		p.irs = seg.seq
		p.iss = randomISS()
		p.mtu = iface.Device().MTU()
		p.mss = p.mtu - (20 + headerSizeMin)
		if p.mss < 1 {
			p.mss = 1
		}
		p.sndNxt = p.iss + 1
		p.sndUna = p.iss
		p.state = StateSynReceived
		if err := e.output(p, FlagSYN|FlagACK, nil); err != nil {
			return err
		}
		return nil

	case StateSynReceived, StateEstablished:
		return e.segmentArrivesEstablished(p, seg)

	default:
		// Other states are reachable only via active open or the
		// close/FIN sequence, neither of which this subset drives.
		return nil
	}
}

func (e *Engine) segmentArrivesEstablished(p *pcb, seg segment) error {
	// 4th check: acceptability of the segment (RFC 793 §3.3).
	acceptable := false
	switch {
	case seg.len == 0 && p.rcvWnd == 0:
		acceptable = seg.seq == p.rcvNxt
	case seg.len == 0 && p.rcvWnd > 0:
		acceptable = seqInWindow(seg.seq, p.rcvNxt, p.rcvWnd)
	case seg.len > 0 && p.rcvWnd == 0:
		acceptable = false
	default:
		acceptable = seqInWindow(seg.seq, p.rcvNxt, p.rcvWnd) ||
			seqInWindow(seg.seq+seg.len-1, p.rcvNxt, p.rcvWnd)
	}
	if !acceptable {
		if seg.flags&FlagRST == 0 {
			return e.output(p, FlagACK, nil)
		}
		return nil
	}

	// 5th check: the ACK bit must be set.
	if seg.flags&FlagACK == 0 {
		return nil
	}

	wasSynReceived := p.state == StateSynReceived
	if wasSynReceived {
		if between(p.sndUna, seg.ack, p.sndNxt) {
			p.state = StateEstablished
			p.ctx.Wakeup()
		} else {
			return e.outputRaw(p.local, p.foreign, seg.ack, 0, FlagRST, nil, bufSize)
		}
	}

	// ESTABLISHED ACK processing, also reached by fallthrough from the
	// SYN_RECEIVED branch above once state has flipped to ESTABLISHED.
	switch {
	case p.sndUna < seg.ack && seg.ack <= p.sndNxt:
		p.sndUna = seg.ack
		if p.sndWl1 < seg.seq || (p.sndWl1 == seg.seq && p.sndWl2 <= seg.ack) {
			p.sndWnd = uint32(seg.window)
			p.sndWl1 = seg.seq
			p.sndWl2 = seg.ack
		}
	case seg.ack < p.sndUna:
		// duplicate ACK, ignore
	case seg.ack > p.sndNxt:
		return e.output(p, FlagACK, nil)
	}

	// 7th check: process the segment payload (ESTABLISHED only).
	if p.state == StateEstablished && len(seg.payload) > 0 {
		p.buf = append(p.buf, seg.payload...)
		p.rcvNxt = seg.seq + seg.len
		if uint32(len(seg.payload)) <= p.rcvWnd {
			p.rcvWnd -= uint32(len(seg.payload))
		} else {
			p.rcvWnd = 0
		}
		if err := e.output(p, FlagACK, nil); err != nil {
			return err
		}
		p.ctx.Wakeup()
	}
	return nil
}

// seqInWindow reports rcvNxt <= seq < rcvNxt+rcvWnd using sequence-number
// (mod 2^32) comparisons.
func seqInWindow(seq, rcvNxt, rcvWnd uint32) bool {
	return seq-rcvNxt < rcvWnd
}

// between reports a <= b <= c using sequence-number comparisons, matching
// the SND.UNA =< SEG.ACK =< SND.NXT check.
func between(a, b, c uint32) bool {
	return b-a <= c-a
}
