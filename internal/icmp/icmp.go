// Package icmp implements ICMP echo request/reply, mirroring icmp.c. Only
// the echo type is implemented; the rest of ICMP's message types are out
// of scope.
package icmp

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/kuuji/netstack/internal/ipv4"
	"github.com/kuuji/netstack/internal/wire"
)

const (
	headerSize = 8

	TypeEchoRequest = 8
	TypeEchoReply   = 0
)

// EchoReply is one received ICMP echo reply, delivered to Replies().
type EchoReply struct {
	Src  ipv4.Addr
	ID   uint16
	Seq  uint16
	Data []byte
}

const repliesQueueSize = 32

// Engine implements the ICMP echo responder on top of an ipv4.Engine.
type Engine struct {
	log     *slog.Logger
	ip      *ipv4.Engine
	replies chan EchoReply
}

// New creates an ICMP engine bound to ip.
func New(ip *ipv4.Engine, log *slog.Logger) *Engine {
	return &Engine{log: log.With("component", "icmp"), ip: ip, replies: make(chan EchoReply, repliesQueueSize)}
}

// Replies returns the channel echo replies are delivered on, for a
// diagnostic ping client to read from; there is no equivalent in the
// original, whose ping test program reads replies with a blocking recv
// loop instead of a callback.
func (e *Engine) Replies() <-chan EchoReply {
	return e.replies
}

// Register registers the ICMP protocol handler with ip, matching icmp_init.
func (e *Engine) Register() error {
	return e.ip.RegisterProtocol("icmp", ipv4.ProtoICMP, e.input)
}

func (e *Engine) input(data []byte, src, dst ipv4.Addr, iface *ipv4.Interface) error {
	if len(data) < headerSize {
		return fmt.Errorf("icmp: message too short (%d bytes)", len(data))
	}
	if wire.Checksum16(data, 0) != 0 {
		return fmt.Errorf("icmp: checksum mismatch")
	}

	kind := data[0]
	code := data[1]
	values := data[4:8]
	id := binary.BigEndian.Uint16(values[0:2])
	seq := binary.BigEndian.Uint16(values[2:4])

	switch kind {
	case TypeEchoRequest:
		e.log.Debug("echo request", "src", src, "id", id, "seq", seq)
		return e.output(TypeEchoReply, code, values, data[headerSize:], iface.Unicast, src)
	case TypeEchoReply:
		reply := EchoReply{Src: src, ID: id, Seq: seq, Data: data[headerSize:]}
		select {
		case e.replies <- reply:
		default:
			e.log.Warn("echo reply dropped, replies channel full")
		}
		return nil
	default:
		e.log.Debug("ignoring unsupported icmp type", "type", kind)
		return nil
	}
}

func (e *Engine) output(kind, code uint8, values, payload []byte, src, dst ipv4.Addr) error {
	msg := make([]byte, headerSize+len(payload))
	msg[0] = kind
	msg[1] = code
	binary.BigEndian.PutUint16(msg[2:4], 0)
	copy(msg[4:8], values)
	copy(msg[headerSize:], payload)
	binary.BigEndian.PutUint16(msg[2:4], wire.Checksum16(msg, 0))
	return e.ip.Output(ipv4.ProtoICMP, msg, src, dst)
}

// Echo sends an ICMP echo request from src to dst with the given
// identifier, sequence number and payload. Used by a diagnostic "ping"
// client built on top of this stack (cmd/netstackd's ping subcommand).
func (e *Engine) Echo(src, dst ipv4.Addr, id, seq uint16, payload []byte) error {
	values := make([]byte, 4)
	binary.BigEndian.PutUint16(values[0:2], id)
	binary.BigEndian.PutUint16(values[2:4], seq)
	return e.output(TypeEchoRequest, 0, values, payload, src, dst)
}
