package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cp2077coop/server/internal/logging"
)

// DefaultInboundQueue bounds datagrams waiting for the simulation tick.
const DefaultInboundQueue = 4096

// Datagram is one received packet and its origin.
type Datagram struct {
	Addr net.Addr
	Data []byte
}

// EndpointStats reports socket counters.
type EndpointStats struct {
	Received   uint64
	Sent       uint64
	QueueDrops uint64
	SendErrors uint64
	BytesIn    uint64
	BytesOut   uint64
}

// Endpoint binds a packet socket, reads on its own goroutine into a bounded
// queue and lets the simulation drain it without blocking.
type Endpoint struct {
	conn    net.PacketConn
	logger  *logging.Logger
	inbound chan Datagram

	received   atomic.Uint64
	sent       atomic.Uint64
	queueDrops atomic.Uint64
	sendErrors atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// EndpointOption customises an Endpoint.
type EndpointOption func(*Endpoint)

// WithEndpointLogger attaches a logger.
func WithEndpointLogger(logger *logging.Logger) EndpointOption {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithInboundQueue overrides the inbound queue capacity.
func WithInboundQueue(size int) EndpointOption {
	return func(e *Endpoint) {
		if size > 0 {
			e.inbound = make(chan Datagram, size)
		}
	}
}

// NewEndpoint wraps an already bound socket.
func NewEndpoint(conn net.PacketConn, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		conn:    conn,
		logger:  logging.L(),
		inbound: make(chan Datagram, DefaultInboundQueue),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Listen binds a UDP socket on addr.
func Listen(addr string, opts ...EndpointOption) (*Endpoint, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(conn, opts...), nil
}

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Start launches the reader goroutine; it exits when ctx ends or the socket closes.
func (e *Endpoint) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = e.Close()
	}()
	go e.readLoop()
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, MaxDatagram+1)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warn("udp read failed", logging.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		//1.- Oversized datagrams cannot be valid frames; skip them before copying.
		if n > MaxDatagram {
			e.queueDrops.Add(1)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.received.Add(1)
		e.bytesIn.Add(uint64(n))
		select {
		case e.inbound <- Datagram{Addr: addr, Data: data}:
		default:
			e.queueDrops.Add(1)
		}
	}
}

// Poll drains up to max queued datagrams without blocking; max <= 0 drains everything queued.
func (e *Endpoint) Poll(max int) []Datagram {
	var out []Datagram
	for max <= 0 || len(out) < max {
		select {
		case d := <-e.inbound:
			out = append(out, d)
		default:
			return out
		}
	}
	return out
}

// Send writes one datagram.
func (e *Endpoint) Send(addr net.Addr, data []byte) error {
	n, err := e.conn.WriteTo(data, addr)
	if err != nil {
		e.sendErrors.Add(1)
		return err
	}
	e.sent.Add(1)
	e.bytesOut.Add(uint64(n))
	return nil
}

// Stats returns a copy of the counters.
func (e *Endpoint) Stats() EndpointStats {
	return EndpointStats{
		Received:   e.received.Load(),
		Sent:       e.sent.Load(),
		QueueDrops: e.queueDrops.Load(),
		SendErrors: e.sendErrors.Load(),
		BytesIn:    e.bytesIn.Load(),
		BytesOut:   e.bytesOut.Load(),
	}
}

// Close stops the reader and closes the socket.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.conn.Close()
	})
	return err
}
