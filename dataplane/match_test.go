package dataplane

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestMatchExpPktExamples(t *testing.T) {
	t.Parallel()

	long := bytes.Repeat([]byte{0xab}, 64)

	cases := []struct {
		name string
		exp  any
		pkt  []byte
		want bool
	}{
		{"exact equality", append([]byte(nil), long...), long, true},
		{"long frames differ", bytes.Repeat([]byte{0xac}, 64), long, false},
		{"short expected ignores padding", []byte("HELLO"), append([]byte("HELLO"), make([]byte, 55)...), true},
		{"short expected prefix mismatch", []byte("HELLO"), append([]byte("HELLP"), make([]byte, 55)...), false},
		{"received shorter than short expected", []byte("HELLO"), []byte("HE"), false},
		{"length 60 requires exact match", bytes.Repeat([]byte{1}, 60), append(bytes.Repeat([]byte{1}, 60), 0), false},
		{"valid mask match", prefixMask{prefix: []byte{1, 2}, valid: true}, []byte{1, 2, 3, 4}, true},
		{"valid mask mismatch", prefixMask{prefix: []byte{1, 2}, valid: true}, []byte{9, 2, 3, 4}, false},
		{"invalid mask never matches", prefixMask{prefix: []byte{1, 2}, valid: false}, []byte{1, 2, 3, 4}, false},
		{"unsupported expectation type", 42, []byte{1, 2}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := MatchExpPkt(tc.exp, tc.pkt); got != tc.want {
				t.Fatalf("MatchExpPkt = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchExpPktReflexive(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		pkt := rapid.SliceOfN(rapid.Byte(), 0, 200).Draw(t, "pkt")
		if !MatchExpPkt(append([]byte(nil), pkt...), pkt) {
			t.Fatalf("frame must match itself")
		}
	})
}

func TestMatchExpPktShortPrefixRule(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		exp := rapid.SliceOfN(rapid.Byte(), 1, minEthFrameSize-1).Draw(t, "exp")
		padding := rapid.SliceOfN(rapid.Byte(), 0, 100).Draw(t, "padding")

		pkt := append(append([]byte(nil), exp...), padding...)
		if !MatchExpPkt(exp, pkt) {
			t.Fatalf("trailing bytes past len(exp) must be ignored for short expectations")
		}

		flip := rapid.IntRange(0, len(exp)-1).Draw(t, "flip")
		mutated := append([]byte(nil), pkt...)
		mutated[flip] ^= 0xff
		if MatchExpPkt(exp, mutated) {
			t.Fatalf("mismatch within the expected prefix must not match")
		}
	})
}

func TestMatchExpPktLongExact(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		exp := rapid.SliceOfN(rapid.Byte(), minEthFrameSize, 200).Draw(t, "exp")

		if !MatchExpPkt(append([]byte(nil), exp...), exp) {
			t.Fatalf("equal long frames must match")
		}
		if MatchExpPkt(exp, append(append([]byte(nil), exp...), 0x00)) {
			t.Fatalf("a longer received frame must not match a long expectation")
		}
	})
}
