package proto

// Extension is the fixed set of named hooks spec.md §9 calls for: a
// callback-based protocol extension point (seed/key, cal-page hooks,
// freeze) expressed as a Go interface with a no-op default, the same
// "required core interface plus optional richer behavior" shape the
// teacher gives its Backend/Observer split.
type Extension interface {
	OnConnect() error
	OnPrepareDAQ() error
	OnStartDAQ() error
	OnStopDAQ() error
	OnGetCalPage(segment uint8) (page uint8, err error)
	OnSetCalPage(segment uint8, page uint8) error
	OnFreeze(segment uint8) error
	OnInitCal(segment uint8) error
	OnRead(addr uint32, size uint8) error
	OnWrite(addr uint32, data []byte) error
	OnFlush() error
}

// NoopExtension implements Extension with hooks that always succeed,
// letting an embedder that needs none of the callbacks use the protocol
// layer without writing boilerplate.
type NoopExtension struct{}

func (NoopExtension) OnConnect() error                          { return nil }
func (NoopExtension) OnPrepareDAQ() error                        { return nil }
func (NoopExtension) OnStartDAQ() error                          { return nil }
func (NoopExtension) OnStopDAQ() error                           { return nil }
func (NoopExtension) OnGetCalPage(uint8) (uint8, error)          { return 0, nil }
func (NoopExtension) OnSetCalPage(uint8, uint8) error            { return nil }
func (NoopExtension) OnFreeze(uint8) error                       { return nil }
func (NoopExtension) OnInitCal(uint8) error                      { return nil }
func (NoopExtension) OnRead(uint32, uint8) error                 { return nil }
func (NoopExtension) OnWrite(uint32, []byte) error               { return nil }
func (NoopExtension) OnFlush() error                             { return nil }

var _ Extension = NoopExtension{}
