package pages

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObtainReleaseRoundTrip(t *testing.T) {
	p := New()
	size := p.PageSize() * 4
	run, err := p.Obtain(size, p.PageSize())
	require.NoError(t, err)
	require.NotNil(t, run.Ptr)
	require.Equal(t, size, run.Len)

	b := run.Bytes()
	require.Len(t, b, int(size))
	b[0] = 0xAB
	b[len(b)-1] = 0xCD
	require.Equal(t, byte(0xAB), b[0])

	require.NoError(t, p.Release(run))
}

func TestObtainAlignment(t *testing.T) {
	p := New()
	align := p.PageSize() * 8
	size := p.PageSize() * 4
	run, err := p.Obtain(size, align)
	require.NoError(t, err)
	defer p.Release(run)

	require.Zero(t, uintptr(run.Ptr)%align)
}

func TestObtainPreconditionPanics(t *testing.T) {
	p := New()
	require.Panics(t, func() {
		_, _ = p.Obtain(1, p.PageSize())
	})
	require.Panics(t, func() {
		_, _ = p.Obtain(p.PageSize(), 3)
	})
}

func TestShrinkNeverFails(t *testing.T) {
	p := New()
	size := p.PageSize() * 4
	run, err := p.Obtain(size, p.PageSize())
	require.NoError(t, err)
	defer p.Release(run)

	shrunk := p.Shrink(run, p.PageSize(), p.PageSize())
	require.Equal(t, p.PageSize(), shrunk.Len)
	require.Equal(t, run.Ptr, shrunk.Ptr)

	// Shrinking past the current length is a no-op.
	same := p.Shrink(shrunk, size*2, p.PageSize())
	require.Equal(t, shrunk, same)
}

func TestReallocPreservesPrefix(t *testing.T) {
	p := New()
	size := p.PageSize()
	run, err := p.Obtain(size, p.PageSize())
	require.NoError(t, err)

	b := run.Bytes()
	for i := range b {
		b[i] = byte(i)
	}

	grown, err := p.Realloc(run, size*2, p.PageSize())
	require.NoError(t, err)
	defer p.Release(grown)

	gb := grown.Bytes()
	require.Len(t, gb, int(size*2))
	for i := 0; i < int(size); i++ {
		require.Equal(t, byte(i), gb[i])
	}
}
