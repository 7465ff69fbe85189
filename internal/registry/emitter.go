package registry

// Emitter is the extension point for a richer description format. Emit()
// on Registry itself produces the compact binary table this runtime's
// GET_ID handler understands; an embedder that needs a real A2L file (or
// any other format a master tool expects) implements Emitter and wires it
// into the server façade instead, per spec.md's "format opaque to the
// core" framing.
type Emitter interface {
	Filename() string
	Emit() []byte
}

var _ Emitter = (*Registry)(nil)
