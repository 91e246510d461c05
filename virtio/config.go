package virtio

import "encoding/binary"

// ConfigSize is the length of the virtio-net config space advertised
// when MQ or MTU is negotiated (§3 "Config space"): 6-byte MAC +
// 2-byte status + 2-byte max_virtqueue_pairs + 2-byte MTU.
const ConfigSize = 12

const (
	statusLinkUp = 1 << 0
)

// Config is the virtio-net device config space.
type Config struct {
	MAC              [6]byte
	Status           uint16
	MaxVirtqueuePairs uint16
	MTU              uint16
}

// Bytes serializes Config little-endian. With includeMQMTU the result is
// ConfigSize bytes and carries max_virtqueue_pairs and MTU; without it the
// result is 10 bytes: MAC, status and a zeroed max_virtqueue_pairs slot,
// with MTU omitted.
func (c Config) Bytes(includeMQMTU bool) []byte {
	buf := make([]byte, 10, ConfigSize)
	copy(buf[0:6], c.MAC[:])
	binary.LittleEndian.PutUint16(buf[6:8], c.Status)

	if includeMQMTU {
		buf = buf[:ConfigSize]
		binary.LittleEndian.PutUint16(buf[8:10], c.MaxVirtqueuePairs)
		binary.LittleEndian.PutUint16(buf[10:12], c.MTU)
	}

	return buf
}

// ReadConfig copies len(out) bytes of the config space starting at
// offset into out, clipping to the config's length and zero-filling
// anything past it (§6: "reads outside the defined length return zero
// bytes").
func ReadConfig(full []byte, offset uint64, out []byte) {
	for i := range out {
		out[i] = 0
	}

	if offset >= uint64(len(full)) {
		return
	}

	n := copy(out, full[offset:])
	_ = n
}
