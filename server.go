package xcp

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/xcplite/go-xcp/internal/cal"
	"github.com/xcplite/go-xcp/internal/daq"
	"github.com/xcplite/go-xcp/internal/logging"
	"github.com/xcplite/go-xcp/internal/platform"
	"github.com/xcplite/go-xcp/internal/proto"
	"github.com/xcplite/go-xcp/internal/registry"
	"github.com/xcplite/go-xcp/internal/server"
	"github.com/xcplite/go-xcp/internal/transport"
)

// Params configures a Server at construction time: the segments it exposes
// for calibration, the DAQ tables it samples into, and how it talks to a
// master.
type Params struct {
	Segments []*cal.Segment
	Tables   *daq.Tables
	Registry *registry.Registry
	Ext      proto.Extension
	Resolver daq.Resolver
	EPK      string
	MTU      int

	// PersistDir, if set, backs Freeze/Restore with a file per calibration
	// segment under that directory (spec.md §4.E "freeze-to-file
	// persistence").
	PersistDir string

	Transport   string // "udp" or "tcp"
	Addr        string
	Accelerated bool

	QueueSizeBytes int
	ClockRes       platform.Resolution

	Observer Observer
	Logger   *logging.Logger
}

// Server is the embeddable XCP slave: it owns a transport, a protocol
// dispatcher, calibration segments, and DAQ tables, and runs the RX/TX
// goroutines that move bytes once Start is called.
type Server struct {
	inner *server.Server
	g     *errgroup.Group
}

// NewServer builds a Server from params. It binds the transport but does
// not start serving; call Start for that.
func NewServer(params Params) (*Server, error) {
	cfg := transport.Config{
		Kind:        transportKind(params.Transport),
		Addr:        params.Addr,
		Accelerated: params.Accelerated,
	}

	var obs server.Observer
	if params.Observer != nil {
		obs = observerAdapter{params.Observer}
	}

	inner, err := server.New(cfg, server.Deps{
		Segments:       params.Segments,
		Tables:         params.Tables,
		Registry:       params.Registry,
		Ext:            params.Ext,
		Resolver:       params.Resolver,
		EPK:            params.EPK,
		MTU:            params.MTU,
		PersistDir:     params.PersistDir,
		QueueSizeBytes: params.QueueSizeBytes,
		ClockRes:       params.ClockRes,
		Observer:       obs,
		Log:            params.Logger,
	})
	if err != nil {
		return nil, WrapError("NewServer", ErrCodeTransport, err)
	}

	return &Server{inner: inner}, nil
}

func transportKind(s string) transport.Kind {
	if s == "tcp" {
		return transport.KindTCP
	}
	return transport.KindUDP
}

// observerAdapter satisfies internal/server.Observer in terms of the root
// Observer interface, so internal/server never has to import this package.
type observerAdapter struct {
	o Observer
}

func (a observerAdapter) ObserveCommand(latencyNs uint64, ok bool) { a.o.ObserveCommand(latencyNs, ok) }
func (a observerAdapter) ObserveDAQSample(lost bool)               { a.o.ObserveDAQSample(lost) }
func (a observerAdapter) ObserveRingOverflow()                     { a.o.ObserveRingOverflow() }

// Start spawns the server's RX and TX goroutines under ctx. Call Wait to
// join them; Stop makes them exit but does not wait for them.
func (s *Server) Start(ctx context.Context) {
	s.g = s.inner.Start(ctx)
}

// Wait blocks until both goroutines spawned by Start return.
func (s *Server) Wait() error {
	if s.g == nil {
		return nil
	}
	return s.g.Wait()
}

// Stop requests a graceful shutdown: outstanding DAQ samples get a bounded
// grace period to drain before the transport is closed.
func (s *Server) Stop() {
	s.inner.Stop()
}

// Freeze writes calibration segment segIdx's current working page to disk
// under name. Requires Params.PersistDir to have been set.
func (s *Server) Freeze(segIdx uint8, name string) error {
	return s.inner.Freeze(segIdx, name)
}

// Restore replaces calibration segment segIdx's working page with bytes
// previously written by Freeze. Requires Params.PersistDir to have been set.
func (s *Server) Restore(segIdx uint8, name string) error {
	return s.inner.Restore(segIdx, name)
}

// Trigger fires a DAQ event by ID, sampling every running list bound to it.
// base is the address DYN-extension entries resolve relative to; pass 0 for
// events that carry none.
func (s *Server) Trigger(eventID uint16, base uintptr) {
	s.inner.Trigger(eventID, server.NewTriggerBase(base))
}
