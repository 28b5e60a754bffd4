package duskv

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 34}
	for _, v := range cases {
		buf := make([]byte, 10)
		n := putVarint(buf, v)
		got, m := getVarint(buf[:n])
		if got != v || m != n {
			t.Fatalf("varint(%d): got (%d, %d), want (%d, %d)", v, got, m, v, n)
		}
	}
}

func TestVarintFixedRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 1 << 20, 1<<35 - 1}
	for _, v := range cases {
		buf := make([]byte, fixedVarintWidth)
		putVarintFixed(buf, v)
		if got := getVarintFixed(buf); got != v {
			t.Fatalf("fixed varint(%d): got %d", v, got)
		}
	}
}

func TestBigEndianKeyOrderMatchesNumericOrder(t *testing.T) {
	vals := []uint64{0, 1, 255, 256, 65535, 65536, 1 << 40}
	for i := 1; i < len(vals); i++ {
		a := make([]byte, 8)
		b := make([]byte, 8)
		putUint64BE(a, vals[i-1])
		putUint64BE(b, vals[i])
		if cmpKeys(a, b) >= 0 {
			t.Fatalf("expected encode(%d) < encode(%d)", vals[i-1], vals[i])
		}
	}
}
