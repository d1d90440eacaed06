package uleb64

import (
	"math/rand"
	"testing"
)

func TestEncodedSize(t *testing.T) {
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 1},
		{1, 1},
		{63, 1},
		{64, 2},
		{4095, 2},
		{4096, 3},
		{262143, 3},
		{262144, 4},
	}
	for _, c := range cases {
		if got := EncodedSize(c.v); got != c.want {
			t.Errorf("EncodedSize(%d) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestRoundTripForwards(t *testing.T) {
	var buf [16]byte
	for _, v := range []uint64{0, 1, 5, 63, 64, 100, 4095, 4096, 1 << 17, 1<<18 - 1} {
		n := Encode(buf[:], v)
		if n != EncodedSize(v) {
			t.Fatalf("Encode(%d) wrote %d bytes, want %d", v, n, EncodedSize(v))
		}
		got, m := DecodeForwards(buf[:])
		if got != v || m != n {
			t.Fatalf("DecodeForwards(%d) = (%d, %d), want (%d, %d)", v, got, m, v, n)
		}
	}
}

func TestRoundTripBackwards(t *testing.T) {
	var buf [16]byte
	for _, v := range []uint64{0, 1, 63, 64, 4096, 1 << 17} {
		n := Encode(buf[:], v)
		got, m := DecodeBackwards(buf[:], n)
		if got != v || m != n {
			t.Fatalf("DecodeBackwards(%d) = (%d, %d), want (%d, %d)", v, got, m, v, n)
		}
	}
}

func TestExpressWidened(t *testing.T) {
	var buf [16]byte
	for v := uint64(0); v < ExpressSupreme; v += 7 {
		for width := 1; width <= 12; width++ {
			EncodeExpress(buf[:], v, width)

			got, n := DecodeForwards(buf[:])
			if got != v || n != width {
				t.Fatalf("forwards v=%d width=%d: got (%d, %d)", v, width, got, n)
			}

			got, n = DecodeBackwards(buf[:], width)
			if got != v || n != width {
				t.Fatalf("backwards v=%d width=%d: got (%d, %d)", v, width, got, n)
			}
		}
	}
}

func TestExpressTooLargePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for value >= ExpressSupreme")
		}
	}()
	var buf [4]byte
	EncodeExpress(buf[:], ExpressSupreme, 2)
}

// Backward decoding must work when the encoding is preceded by arbitrary
// payload bytes, since the deallocation path only knows the payload pointer.
func TestBackwardsWithArbitraryPrefix(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		prefix := rng.Intn(8)
		buf := make([]byte, prefix, prefix+16)
		for j := range buf {
			buf[j] = byte(rng.Intn(256))
		}
		v := uint64(rng.Intn(1 << 18))
		enc := make([]byte, 8)
		n := Encode(enc, v)
		buf = append(buf, enc[:n]...)

		got, m := DecodeBackwards(buf, len(buf))
		if got != v || m != n {
			t.Fatalf("prefix=%d v=%d: got (%d, %d), want (%d, %d)", prefix, v, got, m, v, n)
		}
	}
}
