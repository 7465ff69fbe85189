package registry

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/xcplite/go-xcp/internal/wire"
)

func TestFinalizeIsIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.AddMeasurement(Measurement{Name: "rpm", Addr: wire.NewSegAddress(0, 0), Type: TypeU16}))

	r.Finalize()
	first := r.EPK()
	r.Finalize()
	require.Equal(t, first, r.EPK(), "EPK should not change across repeated Finalize calls")
}

func TestDuplicateNameRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.AddMeasurement(Measurement{Name: "rpm", Type: TypeU16}))
	require.Error(t, r.AddCharacteristic(Characteristic{Name: "rpm"}))
}

func TestEmitBeforeFinalizeReturnsNil(t *testing.T) {
	r := New()
	require.Nil(t, r.Emit())
}

func TestEmitStableAcrossRuns(t *testing.T) {
	build := func() *Registry {
		r := New()
		_ = r.AddMeasurement(Measurement{Name: "b", Type: TypeF32, Unit: "rpm"})
		_ = r.AddMeasurement(Measurement{Name: "a", Type: TypeU8})
		_ = r.AddEvent(Event{ID: 1, Name: "10ms"})
		r.Finalize()
		return r
	}
	r1, r2 := build(), build()

	if diff := cmp.Diff(r1.Emit(), r2.Emit()); diff != "" {
		t.Fatalf("emitted descriptor blobs differ (-r1 +r2):\n%s", diff)
	}
	require.Equal(t, r1.EPK(), r2.EPK(), "EPK should be identical across identically-built registries")
}
