package dataplane

import "bytes"

// minEthFrameSize is the minimum Ethernet frame length excluding the FCS.
// The OS pads transmitted frames up to this length, so expectations shorter
// than it only constrain their own prefix of the received frame.
const minEthFrameSize = 60

// Mask is an opaque matcher supplied by the caller, typically built from a
// frame template with wildcarded fields.
type Mask interface {
	// IsValid reports whether the mask is well formed. Invalid masks
	// never match.
	IsValid() bool

	// Match reports whether the frame satisfies the mask.
	Match(pkt []byte) bool
}

// MatchExpPkt reports whether pkt satisfies the expectation exp, which is a
// Mask or a raw []byte frame. Byte expectations shorter than the minimum
// Ethernet frame size compare only their own length, ignoring any trailing
// padding on the wire; a received frame shorter than such an expectation
// never matches. At or above the minimum size the comparison is exact.
func MatchExpPkt(exp any, pkt []byte) bool {
	switch e := exp.(type) {
	case Mask:
		if !e.IsValid() {
			return false
		}
		return e.Match(pkt)
	case []byte:
		if len(e) < minEthFrameSize {
			if len(pkt) < len(e) {
				return false
			}
			pkt = pkt[:len(e)]
		}
		return bytes.Equal(e, pkt)
	default:
		return false
	}
}
