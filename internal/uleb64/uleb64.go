// Package uleb64 implements the variable-length integer encoding used for
// object descriptors inside segments.
//
// Each encoded byte carries six significand bits plus two flag bits:
//
//	bit0-bit5: significand (little-endian six-bit groups)
//	bit6:      set on the first byte of an encoding
//	bit7:      set on the last byte of an encoding
//
// A value small enough for a single byte uses the "express" form with both
// flags set. Because every byte identifies its position, an encoding can be
// decoded forwards from its first byte or backwards starting from any byte
// past its end. Backward decoding is what lets a deallocation path recover a
// descriptor given only the payload pointer.
//
// Encodings may be widened past their canonical length to absorb alignment
// padding: the extra interior bytes carry zero significand bits and are
// ignored by the decoder.
package uleb64

import "math/bits"

const (
	flagFirst = 0x40
	flagLast  = 0x80
	sigBits   = 6
	sigMask   = 0x3f

	// ExpressSupreme is the exclusive upper bound on values representable in
	// the single-byte express form.
	ExpressSupreme = 1 << sigBits
)

// EncodedSize returns the canonical (minimal) encoded length of v in bytes.
// v must not be zero-width; a zero value still occupies one byte.
func EncodedSize(v uint64) int {
	n := bits.Len64(v)
	if n <= sigBits {
		return 1
	}
	return (n + sigBits - 1) / sigBits
}

// Encode writes the canonical encoding of v into dst and returns the number
// of bytes written. dst must have room for EncodedSize(v) bytes.
func Encode(dst []byte, v uint64) int {
	size := EncodedSize(v)
	if size == 1 {
		dst[0] = byte(v) | flagFirst | flagLast
		return 1
	}
	for i := 0; i < size; i++ {
		b := byte(v>>(uint(i)*sigBits)) & sigMask
		if i == 0 {
			b |= flagFirst
		}
		if i == size-1 {
			b |= flagLast
		}
		dst[i] = b
	}
	return size
}

// EncodeExpress writes v over exactly width bytes. v must fit the express
// form (v < ExpressSupreme) and width must be at least 1. Interior bytes
// carry zero significand bits, so the decoded value is unchanged; the extra
// width is how callers encode alignment padding between a descriptor and its
// payload.
func EncodeExpress(dst []byte, v uint64, width int) {
	if v >= ExpressSupreme {
		panic("uleb64: value too large for express encoding")
	}
	if width == 1 {
		dst[0] = byte(v) | flagFirst | flagLast
		return
	}
	dst[0] = byte(v) | flagFirst
	for i := 1; i < width-1; i++ {
		dst[i] = 0
	}
	dst[width-1] = flagLast
}

// DecodeForwards decodes the value starting at buf[0], which must be the
// first byte of an encoding. It returns the value and the total number of
// bytes consumed (including any padding widening).
func DecodeForwards(buf []byte) (v uint64, n int) {
	b := buf[0]
	v = uint64(b & sigMask)
	n = 1
	for b&flagLast == 0 {
		b = buf[n]
		v |= uint64(b&sigMask) << (uint(n) * sigBits)
		n++
	}
	return v, n
}

// DecodeBackwards decodes the encoding that ends immediately before buf[end].
// It scans backwards for the first-byte flag and returns the value along with
// the number of bytes the encoding occupies, so the encoding spans
// buf[end-n : end].
func DecodeBackwards(buf []byte, end int) (v uint64, n int) {
	i := end - 1
	for buf[i]&flagFirst == 0 {
		i--
	}
	n = end - i
	shift := uint(0)
	for j := i; j < end; j++ {
		v |= uint64(buf[j]&sigMask) << shift
		shift += sigBits
	}
	return v, n
}
