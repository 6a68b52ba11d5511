package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"meshcast/internal/dataType"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

var (
	ErrAlreadyStarted = errors.New("already started")
	ErrSocketClosed   = errors.New("socket closed")
)

// Socket is the datagram transport the pipeline runs on. Receive must emit
// arrivals numbered 1, 2, 3... in the order they were read, and is closed
// after Close.
type Socket interface {
	Send(ctx context.Context, data []byte) error
	StartReceiving() error
	Receive() <-chan *dataType.ArrivalRecord
	Close() error
}

const maxDatagramSize = 64 * 1024

var _ Socket = (*UDPMulticastSocket)(nil)

type UDPOptions struct {
	GroupAddress string
	Port         int
	Interface    string // empty picks the system default
	TTL          int
	Loopback     bool
	QueueSize    int
}

// UDPMulticastSocket joins an IPv4 multicast group and reads datagrams into
// pooled buffers.
type UDPMulticastSocket struct {
	opts  UDPOptions
	group *net.UDPAddr
	ifi   *net.Interface
	conn  net.PacketConn
	pc    *ipv4.PacketConn
	log   *zap.Logger

	pool     sync.Pool
	arrivals chan *dataType.ArrivalRecord
	nextSeq  atomic.Uint64
	started  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
	closeMu  sync.Mutex
}

// NewUDPMulticastSocket binds the group port and joins the group.
func NewUDPMulticastSocket(opts UDPOptions, log *zap.Logger) (*UDPMulticastSocket, error) {
	group := net.ParseIP(opts.GroupAddress)
	if group == nil || group.To4() == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("group address %q is not an IPv4 multicast address", opts.GroupAddress)
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", opts.Port)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}

	var ifi *net.Interface
	if opts.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", opts.Interface, err)
		}
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("bind udp %d: %w", opts.Port, err)
	}
	pc := ipv4.NewPacketConn(conn)
	groupAddr := &net.UDPAddr{IP: group, Port: opts.Port}
	if err := pc.JoinGroup(ifi, groupAddr); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join group %s: %w", groupAddr, err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	if opts.TTL > 0 {
		if err := pc.SetMulticastTTL(opts.TTL); err != nil {
			log.Warn("set multicast ttl failed", zap.Error(err))
		}
	}
	if err := pc.SetMulticastLoopback(opts.Loopback); err != nil {
		log.Warn("set multicast loopback failed", zap.Error(err))
	}

	s := &UDPMulticastSocket{
		opts:     opts,
		group:    groupAddr,
		ifi:      ifi,
		conn:     conn,
		pc:       pc,
		log:      log.Named("udp"),
		arrivals: make(chan *dataType.ArrivalRecord, opts.QueueSize),
		done:     make(chan struct{}),
	}
	s.pool.New = func() any {
		b := make([]byte, maxDatagramSize)
		return &b
	}
	return s, nil
}

func (s *UDPMulticastSocket) Send(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	_, err := s.pc.WriteTo(data, nil, s.group)
	return err
}

func (s *UDPMulticastSocket) StartReceiving() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go s.readLoop()
	return nil
}

func (s *UDPMulticastSocket) Receive() <-chan *dataType.ArrivalRecord {
	return s.arrivals
}

func (s *UDPMulticastSocket) readLoop() {
	defer close(s.arrivals)
	for {
		bufp := s.pool.Get().(*[]byte)
		n, _, src, err := s.pc.ReadFrom(*bufp)
		if err != nil {
			s.pool.Put(bufp)
			if s.closed.Load() {
				return
			}
			s.log.Warn("read failed", zap.Error(err))
			continue
		}
		rec := dataType.NewArrivalRecord((*bufp)[:n], s.nextSeq.Add(1), time.Now(), src, func() {
			s.pool.Put(bufp)
		})
		select {
		case s.arrivals <- rec:
		case <-s.done:
			rec.Release()
			return
		}
	}
}

func (s *UDPMulticastSocket) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	_ = s.pc.LeaveGroup(s.ifi, s.group)
	err := s.conn.Close()
	if !s.started.Load() {
		close(s.arrivals)
	}
	return err
}
