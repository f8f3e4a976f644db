package ptrmath

import "testing"

func TestIsPowerOfTwo(t *testing.T) {
	cases := map[uintptr]bool{
		0: false, 1: true, 2: true, 3: false, 4: true, 5: false, 1024: true, 1023: false,
	}
	for n, want := range cases {
		if got := IsPowerOfTwo(n); got != want {
			t.Errorf("IsPowerOfTwo(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestRoundUpPow2(t *testing.T) {
	cases := map[uintptr]uintptr{
		1: 1, 2: 2, 3: 4, 5: 8, 64: 64, 65: 128, 1000: 1024,
	}
	for n, want := range cases {
		if got := RoundUpPow2(n); got != want {
			t.Errorf("RoundUpPow2(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestLog2Pow2(t *testing.T) {
	cases := map[uintptr]uint{
		1: 0, 2: 1, 16: 4, 16384: 14,
	}
	for n, want := range cases {
		if got := Log2Pow2(n); got != want {
			t.Errorf("Log2Pow2(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestLog2Pow2PanicsOnNonPow2(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-power-of-two input")
		}
	}()
	Log2Pow2(3)
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ p, align, want uintptr }{
		{0, 16, 0}, {1, 16, 16}, {16, 16, 16}, {17, 16, 32}, {100, 64, 128},
	}
	for _, c := range cases {
		if got := AlignUp(c.p, c.align); got != c.want {
			t.Errorf("AlignUp(%d,%d) = %d, want %d", c.p, c.align, got, c.want)
		}
	}
}

func TestIsAligned(t *testing.T) {
	if !IsAligned(64, 32) {
		t.Error("64 should be aligned to 32")
	}
	if IsAligned(65, 32) {
		t.Error("65 should not be aligned to 32")
	}
}
