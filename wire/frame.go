package wire

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/pierrec/lz4/v3"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/nodeid"
)

// Message is the transport-level envelope spec §3 defines: a routing key,
// the exchange it travels on, and an opaque body (a self-describing
// record per codec.go).
type Message struct {
	RoutingKey string
	Exchange   string
	Body       []byte
}

// Routing-key vocabulary (spec §6's publish table). Worker-to-coordinator
// keys are bare; coordinator-to-worker keys are suffixed with the
// destination NodeId(s).
const (
	KeyRegistration   = "registration"
	KeyDeregistration = "deregistration"
	KeyViolation      = "violation"
	KeyBalancing      = "balancing"
)

// RequestKey builds the `request.<id>` routing key the coordinator uses
// to ask a specific worker for its current parameters.
func RequestKey(id nodeid.NodeId) string {
	return "request." + string(id)
}

// ExitKey builds the `exit.<id>` routing key the coordinator uses to tell
// a worker to deregister and shut down.
func ExitKey(id nodeid.NodeId) string {
	return "exit." + string(id)
}

// NewModelKey builds the `newModel.<id>[.<id>...]` routing key carrying
// an aggregated (or passthrough) model to one or more workers.
func NewModelKey(ids []nodeid.NodeId) string {
	s := "newModel"
	for _, id := range ids {
		s += "." + string(id)
	}
	return s
}

const checksumSize = 8

// frameCompressedBit marks compressed frames in the one-byte frame header
// that precedes the checksum.
const frameCompressedBit = 0x01

// FrameBody wraps an encoded record body with a one-byte flags header and
// an 8-byte xxhash64 checksum trailer, so a truncated or corrupted
// delivery is caught as a ProtocolViolation instead of silently
// misdecoded downstream (spec §7). Bodies of compressThreshold bytes or more
// are additionally lz4-compressed, since parameter payloads can run into
// the megabytes for dense models.
func FrameBody(body []byte, compressThreshold int) []byte {
	flags := byte(0)
	payload := body
	if compressThreshold > 0 && len(body) >= compressThreshold {
		compressed := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, compressed, nil)
		if err == nil && n > 0 && n < len(body) {
			payload = compressed[:n]
			flags |= frameCompressedBit
		}
	}
	sum := xxhash.Checksum64(payload)
	framed := make([]byte, 0, 1+len(payload)+checksumSize)
	framed = append(framed, flags)
	framed = append(framed, payload...)
	var sumBytes [checksumSize]byte
	binary.BigEndian.PutUint64(sumBytes[:], sum)
	framed = append(framed, sumBytes[:]...)
	return framed
}

// UnframeBody is the inverse of FrameBody. decompressedSize must be at
// least the original body's length when the frame is compressed; pass 0
// for an unknown size, in which case the buffer starts at 8x the
// compressed payload and doubles on each failed attempt, up to 256x.
func UnframeBody(framed []byte, decompressedSize int) ([]byte, error) {
	if len(framed) < 1+checksumSize {
		return nil, dlerrors.ProtocolViolation("wire: frame too short (%d bytes)", len(framed))
	}
	flags := framed[0]
	payload := framed[1 : len(framed)-checksumSize]
	wantSum := binary.BigEndian.Uint64(framed[len(framed)-checksumSize:])
	gotSum := xxhash.Checksum64(payload)
	if gotSum != wantSum {
		return nil, dlerrors.ProtocolViolation("wire: checksum mismatch (want %x, got %x)", wantSum, gotSum)
	}
	if flags&frameCompressedBit == 0 {
		return payload, nil
	}
	size := decompressedSize
	if size <= 0 {
		size = len(payload) * 8
	}
	for {
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err == nil {
			return out[:n], nil
		}
		if decompressedSize > 0 || size >= len(payload)*256 {
			return nil, dlerrors.ProtocolViolation("wire: lz4 decompress: %v", err)
		}
		size *= 2
	}
}
