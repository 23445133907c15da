// Package tcp implements the TCP protocol control block table and the
// RFC 793 SEGMENT ARRIVES processing needed to drive a PCB from LISTEN
// through SYN_RECEIVED to ESTABLISHED and handle established-connection
// data transfer, mirroring tcp.c. Only the passive-open path and the
// LISTEN/SYN_RECEIVED/ESTABLISHED states are exercised: active open,
// retransmission timers, and congestion control are out of scope.
package tcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kuuji/netstack/internal/ipv4"
	"github.com/kuuji/netstack/internal/sched"
	"github.com/kuuji/netstack/internal/wire"
)

// PCBSize is the number of TCP protocol control blocks (TCP_PCB_SIZE).
const PCBSize = 16

// bufSize is the fixed receive buffer size per PCB.
const bufSize = 65535

// Flags, matching TCP_FLG_*.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

const headerSizeMin = 20

// State is a TCP PCB state.
type State int

const (
	StateFree State = iota
	StateClosed
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastACK
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT1"
	case StateFinWait2:
		return "FIN_WAIT2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastACK:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

type pcb struct {
	state         State
	local, foreign ipv4.Endpoint

	sndNxt, sndUna, sndWnd uint32
	sndWl1, sndWl2         uint32
	iss                    uint32

	rcvNxt, rcvWnd uint32
	irs            uint32

	mtu int
	mss int
	buf []byte

	ctx *sched.Context
}

// Handle identifies an allocated TCP PCB.
type Handle int

// Errors returned by the socket API, matching the original's failure modes.
var (
	ErrNoDescriptors  = errors.New("tcp: no free protocol control blocks")
	ErrInvalidHandle  = errors.New("tcp: invalid handle")
	ErrNotOpen        = errors.New("tcp: handle not open")
	ErrNotEstablished = errors.New("tcp: connection is not established")
	ErrActiveOpen     = errors.New("tcp: active open is not implemented")
	ErrConnReset      = errors.New("tcp: connection reset")
	ErrInterrupted    = errors.New("tcp: operation interrupted")
)

// Engine is the TCP layer: a fixed PCB table plus the socket-style API.
type Engine struct {
	log *slog.Logger
	ip  *ipv4.Engine

	mu   sync.Mutex
	pcbs [PCBSize]*pcb
}

// New creates a TCP engine bound to ip.
func New(ip *ipv4.Engine, log *slog.Logger) *Engine {
	e := &Engine{log: log.With("component", "tcp"), ip: ip}
	for i := range e.pcbs {
		e.pcbs[i] = &pcb{state: StateFree}
		e.pcbs[i].ctx = sched.New(&e.mu)
	}
	return e
}

// Register registers the TCP protocol handler with ip.
func (e *Engine) Register() error {
	return e.ip.RegisterProtocol("tcp", ipv4.ProtoTCP, e.input)
}

func (e *Engine) alloc() (Handle, *pcb, error) {
	for i, p := range e.pcbs {
		if p.state == StateFree {
			p.state = StateClosed
			p.local = ipv4.Endpoint{}
			p.foreign = ipv4.Endpoint{}
			p.buf = make([]byte, 0, bufSize)
			p.sndNxt, p.sndUna, p.sndWnd = 0, 0, 0
			p.rcvNxt, p.rcvWnd = 0, bufSize
			return Handle(i), p, nil
		}
	}
	return -1, nil, ErrNoDescriptors
}

func (e *Engine) getLocked(h Handle) (*pcb, error) {
	if h < 0 || int(h) >= PCBSize {
		return nil, ErrInvalidHandle
	}
	p := e.pcbs[h]
	if p.state == StateFree {
		return nil, ErrNotOpen
	}
	return p, nil
}

// release tears a PCB down, matching tcp_pcb_release: if goroutines remain
// parked on its context, interrupt them and leave the PCB allocated for the
// caller to retry, the same contract udp's Close follows.
func (e *Engine) release(p *pcb) {
	if err := p.ctx.Destroy(); err != nil {
		p.ctx.Interrupt()
		return
	}
	p.state = StateFree
	p.local = ipv4.Endpoint{}
	p.foreign = ipv4.Endpoint{}
	p.buf = nil
}

func randomISS() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Listen allocates a PCB, binds it to local (and optionally a specific
// foreign endpoint), and blocks until a connection reaches ESTABLISHED,
// matching tcp_open_rfc793's passive-open path: a SYN_RECEIVED PCB that
// hasn't yet reached ESTABLISHED causes the caller to sleep again (the
// `AGAIN:` loop); interruption tears the PCB down and returns
// ErrInterrupted the same way the original maps a cancelled sched_sleep to
// EINTR.
func (e *Engine) Listen(ctx context.Context, local ipv4.Endpoint, foreign *ipv4.Endpoint) (Handle, error) {
	e.mu.Lock()
	h, p, err := e.alloc()
	if err != nil {
		e.mu.Unlock()
		return -1, err
	}
	p.local = local
	if foreign != nil {
		p.foreign = *foreign
	}
	p.state = StateListen

	for {
		if p.state == StateEstablished {
			e.mu.Unlock()
			return h, nil
		}
		if p.state != StateSynReceived && p.state != StateListen {
			e.release(p)
			e.mu.Unlock()
			return -1, fmt.Errorf("tcp: listen: unexpected state %s", p.state)
		}
		if err := p.ctx.Sleep(ctx); err != nil {
			p.state = StateClosed
			e.release(p)
			e.mu.Unlock()
			return -1, ErrInterrupted
		}
	}
}

// Dial is the active-open counterpart to Listen. tcp_open_rfc793 returns an
// error for TCP_OPEN_OPT_ACTIVE too; this is a deliberate non-goal, not an
// omission.
func (e *Engine) Dial(context.Context, ipv4.Endpoint, ipv4.Endpoint) (Handle, error) {
	return -1, ErrActiveOpen
}

// Close sends a RST and releases the PCB, matching tcp_close.
func (e *Engine) Close(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.getLocked(h)
	if err != nil {
		return err
	}
	if p.state == StateEstablished || p.state == StateSynReceived {
		_ = e.output(p, FlagRST, nil)
	}
	e.release(p)
	return nil
}

// Send writes data to an ESTABLISHED connection, blocking when the send
// window is full, matching tcp_send's MSS-segmented output loop.
func (e *Engine) Send(ctx context.Context, h Handle, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.getLocked(h)
	if err != nil {
		return 0, err
	}
	if p.state != StateEstablished {
		return 0, ErrNotEstablished
	}

	sent := 0
	for sent < len(data) {
		cap := int(p.sndWnd) - int(p.sndNxt-p.sndUna)
		if cap <= 0 {
			if err := p.ctx.Sleep(ctx); err != nil {
				if sent == 0 {
					return 0, ErrInterrupted
				}
				return sent, nil
			}
			if p.state != StateEstablished {
				return sent, ErrNotEstablished
			}
			continue
		}
		slen := min(p.mss, len(data)-sent, cap)
		if err := e.output(p, FlagPSH|FlagACK, data[sent:sent+slen]); err != nil {
			return sent, err
		}
		p.sndNxt += uint32(slen)
		sent += slen
	}
	return sent, nil
}

// Receive blocks until data is available in the PCB's receive buffer,
// matching tcp_receive.
func (e *Engine) Receive(ctx context.Context, h Handle, buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.getLocked(h)
	if err != nil {
		return 0, err
	}
	if p.state != StateEstablished {
		return 0, ErrNotEstablished
	}

	for len(p.buf) == 0 {
		if err := p.ctx.Sleep(ctx); err != nil {
			return 0, ErrInterrupted
		}
		if p.state != StateEstablished && len(p.buf) == 0 {
			return 0, ErrNotEstablished
		}
	}

	n := copy(buf, p.buf)
	p.buf = p.buf[n:]
	p.rcvWnd += uint32(n)
	return n, nil
}

func min(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
