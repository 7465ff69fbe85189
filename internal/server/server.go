// Package server wires the protocol dispatcher, calibration segments, DAQ
// tables, and a transport into a runnable XCP slave: an RX goroutine that
// dispatches inbound commands and a TX goroutine that drains the DAQ ring,
// run under one errgroup.Group the way yanet2's control-plane modules run
// their listener and registration goroutines.
package server

import (
	"context"
	"errors"
	"sync"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/xcplite/go-xcp/internal/cal"
	"github.com/xcplite/go-xcp/internal/constants"
	"github.com/xcplite/go-xcp/internal/daq"
	"github.com/xcplite/go-xcp/internal/logging"
	"github.com/xcplite/go-xcp/internal/platform"
	"github.com/xcplite/go-xcp/internal/proto"
	"github.com/xcplite/go-xcp/internal/registry"
	"github.com/xcplite/go-xcp/internal/ring"
	"github.com/xcplite/go-xcp/internal/transport"
	"github.com/xcplite/go-xcp/internal/wire"
)

var errDraining = errors.New("server: DAQ ring not yet drained")

// Observer receives server-level events; the root xcp package's
// MetricsObserver is the usual implementation, but server never imports
// the root package to avoid a cycle (it defines its own narrow structural
// interface instead).
type Observer interface {
	ObserveCommand(latencyNs uint64, ok bool)
	ObserveDAQSample(lost bool)
	ObserveRingOverflow()
}

type noopObserver struct{}

func (noopObserver) ObserveCommand(uint64, bool) {}
func (noopObserver) ObserveDAQSample(bool)       {}
func (noopObserver) ObserveRingOverflow()        {}

// Deps bundles everything a Server needs beyond the transport it binds.
type Deps struct {
	Segments []*cal.Segment
	Tables   *daq.Tables
	Registry *registry.Registry
	Ext      proto.Extension
	Resolver daq.Resolver
	EPK      string
	MTU      int

	// PersistDir, if set, backs Freeze/Restore with a cal.FileStore rooted
	// there (spec.md §4.E "one file per calibration segment"). Left unset,
	// Freeze/Restore return an error rather than silently no-op.
	PersistDir string

	QueueSizeBytes int
	ClockRes       platform.Resolution

	Observer Observer
	Log      *logging.Logger
}

// Server binds a transport and runs the XCP slave: inbound commands are
// dispatched synchronously per spec.md §4.D, and DAQ samples triggered by
// the embedder's calls to Trigger are drained onto the wire independently.
type Server struct {
	t    transport.Transport
	disp *proto.Dispatcher
	out  *ring.Ring
	gate *platform.Gate
	obs  Observer
	log  *logging.Logger

	sampler *daq.Sampler
	clock   *platform.Clock
	store   cal.Store

	peerMu   sync.Mutex
	peer     transport.Peer
	havePeer bool

	cancel context.CancelFunc
}

// New builds a Server bound to cfg's transport and wired against deps. The
// caller triggers DAQ events by calling Server.Trigger; Start spawns the
// goroutines that actually move bytes.
func New(cfg transport.Config, deps Deps) (*Server, error) {
	t, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}

	queueSize := deps.QueueSizeBytes
	if queueSize == 0 {
		queueSize = constants.DefaultQueueSizeBytes
	}
	out := ring.New(queueSize, constants.MaxODTPayload)

	clock := platform.NewClock(deps.ClockRes)
	sess := proto.NewSession(proto.Deps{
		Segments: deps.Segments,
		Tables:   deps.Tables,
		Ext:      deps.Ext,
		EPK:      deps.EPK,
		MTU:      deps.MTU,
		Clock:    clock,
	})

	var reg proto.Registry
	if deps.Registry != nil {
		reg = deps.Registry
	}
	disp := proto.NewDispatcher(sess, reg, out)

	sampler := daq.NewSampler(deps.Tables, deps.Resolver, clock, out)
	gate := platform.NewGate()
	sampler.SetGate(gate)

	obs := deps.Observer
	if obs == nil {
		obs = noopObserver{}
	}
	log := deps.Log
	if log == nil {
		log = logging.Default()
	}
	var store cal.Store
	if deps.PersistDir != "" {
		store = cal.NewFileStore(deps.PersistDir)
	}

	return &Server{
		t:       t,
		disp:    disp,
		out:     out,
		gate:    gate,
		obs:     obs,
		log:     log,
		sampler: sampler,
		clock:   clock,
		store:   store,
	}, nil
}

var errNoPersistStore = errors.New("server: no persistence directory configured")

// Freeze writes calibration segment segIdx's current working page to disk
// under name (spec.md §4.E "freeze-to-file persistence"), through the
// Deps.PersistDir-backed cal.FileStore.
func (s *Server) Freeze(segIdx uint8, name string) error {
	if s.store == nil {
		return errNoPersistStore
	}
	return s.disp.Freeze(segIdx, s.store, name)
}

// Restore replaces calibration segment segIdx's working page with bytes
// previously written by Freeze, failing with cal.ErrMismatch if the
// artifact's EPK doesn't match this build's.
func (s *Server) Restore(segIdx uint8, name string) error {
	if s.store == nil {
		return errNoPersistStore
	}
	return s.disp.InitCal(segIdx, s.store, name)
}

// Trigger fires a DAQ event, sampling every running list bound to it. Safe
// to call from any goroutine, including ones unrelated to Start's RX/TX
// goroutines; this is how an embedder's own instrumented code feeds the
// DAQ engine.
func (s *Server) Trigger(eventID uint16, base TriggerBase) {
	s.sampler.Trigger(eventID, base.ptr())
}

// Start spawns the RX and TX goroutines under an errgroup bound to ctx.
// Start returns immediately; Stop or ctx cancellation makes the goroutines
// exit, and Wait on the returned group joins them.
func (s *Server) Start(ctx context.Context) *errgroup.Group {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.runRX(ctx)
	})
	g.Go(func() error {
		return s.runTX(ctx)
	})

	return g
}

// Stop closes the gate (waking the TX goroutine so it can observe ctx
// cancellation) and closes the transport, releasing the RX goroutine's
// blocking Recv call. It waits up to constants.ShutdownGrace for the ring
// to drain before returning, using the same bounded backoff
// START_STOP_SYNCH(stop_all) uses, then cancels Start's context so both
// goroutines' loop conditions observe shutdown instead of spinning against
// a closed transport (spec.md §5 "Cancellation": a shutdown flag observed
// at both threads' suspension points).
func (s *Server) Stop() {
	s.gate.Close()
	s.drainBounded()
	_ = s.t.Close()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) drainBounded() {
	op := func() (struct{}, error) {
		if s.out.Empty() {
			return struct{}{}, nil
		}
		return struct{}{}, errDraining
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = constants.DrainPollInterval
	b.MaxInterval = constants.DrainPollInterval * 4
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownGrace)
	defer cancel()
	_, _ = backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(constants.MaxDrainCycles))
}

func (s *Server) runRX(ctx context.Context) error {
	for {
		recvCtx, cancel := context.WithTimeout(ctx, constants.RecvTimeout)
		frame, err := s.t.Recv(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrPeerDisconnected) {
				s.disp.ForceDisconnect()
				s.peerMu.Lock()
				s.peer, s.havePeer = transport.Peer{}, false
				s.peerMu.Unlock()
			}
			continue
		}

		s.peerMu.Lock()
		peer, havePeer := s.peer, s.havePeer
		s.peerMu.Unlock()
		if havePeer && frame.Peer.Addr.String() != peer.Addr.String() {
			// Once a master is connected, datagrams from any other source
			// are dropped silently rather than dispatched (spec.md §4.C
			// "subsequent datagrams from a different source are dropped
			// while connected").
			continue
		}

		start := s.clock.NowNanos()
		resp := s.disp.Dispatch(frame.Payload)
		ok := resp.PID == wire.PIDRes
		s.obs.ObserveCommand(s.clock.NowNanos()-start, ok)

		if len(frame.Payload) > 0 && frame.Payload[0] == wire.CmdConnect && ok {
			s.peerMu.Lock()
			s.peer, s.havePeer = frame.Peer, true
			s.peerMu.Unlock()
		}
		if len(frame.Payload) > 0 && frame.Payload[0] == wire.CmdDisconnect && ok {
			s.peerMu.Lock()
			s.peer, s.havePeer = transport.Peer{}, false
			s.peerMu.Unlock()
		}

		reply := append([]byte{resp.PID}, resp.Payload...)
		if err := s.t.Send(ctx, frame.Peer, reply); err != nil {
			s.log.Warn("failed to send response", "error", err)
		}
	}
}

func (s *Server) runTX(ctx context.Context) error {
	batcher, _ := s.t.(transport.Batcher)

	for {
		if !s.gate.Wait() {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		s.out.DrainSkips()

		s.peerMu.Lock()
		peer, havePeer := s.peer, s.havePeer
		s.peerMu.Unlock()

		// Drain every currently-committed payload before sending, so a
		// Batcher transport can pack them greedily into as few datagrams as
		// the segment size allows (spec.md §4.C) instead of one datagram
		// per payload.
		var pending [][]byte
		for {
			payload, ok := s.out.Peek()
			if !ok {
				break
			}
			if !havePeer {
				// No master has connected yet; the sample has nowhere to
				// go. Drop it rather than block the ring behind it.
				s.out.Advance()
				continue
			}
			pending = append(pending, append([]byte(nil), payload...))
			s.out.Advance()
		}
		if len(pending) == 0 {
			continue
		}

		if batcher != nil {
			if err := batcher.SendBatch(ctx, peer, pending); err != nil {
				s.log.Warn("failed to send DAQ batch", "error", err)
			}
			continue
		}
		for _, sent := range pending {
			if err := s.t.Send(ctx, peer, sent); err != nil {
				s.log.Warn("failed to send DAQ sample", "error", err)
			}
		}
	}
}

// TriggerBase carries the event base pointer DYN-extension DAQ entries
// resolve relative to. The zero value means "no base" (most events).
type TriggerBase struct {
	addr uintptr
}

func NewTriggerBase(p uintptr) TriggerBase { return TriggerBase{addr: p} }

func (b TriggerBase) ptr() unsafe.Pointer { return unsafe.Pointer(b.addr) }
