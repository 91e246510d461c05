package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/quillhv/virtio-net/guestmem"
)

// Descriptor flags, virtio 1.0 split virtqueue layout
// (https://docs.oasis-open.org/virtio/virtio/v1.0/virtio-v1.0.html#x1-240006).
const (
	descFNext     = 0x1
	descFWrite    = 0x2
	descFIndirect = 0x4
)

const descSize = 16 // Addr(8) + Len(4) + Flags(2) + Next(2)

// Desc is one descriptor-table entry.
type Desc struct {
	Addr    uint64
	Len     uint32
	Writeable bool
	HasNext bool
	Next    uint16
}

// Queue is one split virtqueue: a descriptor table plus an avail/used ring
// pair, all guest-resident and addressed by guest-physical address. A
// Queue does not own a Memory; every method takes one, matching §5's
// "workers obtain a short-lived view per operation".
type Queue struct {
	maxSize uint16
	size    uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	eventIdxEnabled bool

	lastAvailIdx     uint16
	nextUsedIdx      uint16
	signalledUsedIdx uint16
}

// NewQueue creates an inert queue with the given maximum size (§3 "Each
// queue has a max size (typically 256)").
func NewQueue(maxSize uint16) *Queue {
	return &Queue{maxSize: maxSize, size: maxSize}
}

// MaxSize returns the queue's maximum size.
func (q *Queue) MaxSize() uint16 { return q.maxSize }

// SetSize negotiates the queue's actual size, clamped to MaxSize.
func (q *Queue) SetSize(n uint16) {
	if n == 0 || n > q.maxSize {
		n = q.maxSize
	}

	q.size = n
}

// SetAddrs installs the guest-physical addresses of the three queue
// structures, written by the driver during virtqueue setup.
func (q *Queue) SetAddrs(desc, avail, used uint64) {
	q.descAddr, q.availAddr, q.usedAddr = desc, avail, used
}

// SetEventIdxEnabled propagates whether RING_F_EVENT_IDX was negotiated
// (§4.1 step 5: "propagate the event-idx enable flag").
func (q *Queue) SetEventIdxEnabled(b bool) { q.eventIdxEnabled = b }

func (q *Queue) availRingSize() uint64 { return 4 + 2*uint64(q.size) + 2 }

// availIdx reads the driver-maintained avail.Idx field.
func (q *Queue) availIdx(mem guestmem.Memory) uint16 {
	buf := mem.Bytes()

	return binary.LittleEndian.Uint16(buf[q.availAddr+2:])
}

// HasAvail reports whether the driver has posted descriptors the device
// has not yet consumed.
func (q *Queue) HasAvail(mem guestmem.Memory) bool {
	return q.lastAvailIdx != q.availIdx(mem)
}

func (q *Queue) usedEventHint(mem guestmem.Memory) uint16 {
	buf := mem.Bytes()
	off := q.availAddr + 4 + 2*uint64(q.size)

	return binary.LittleEndian.Uint16(buf[off:])
}

// PopAvail consumes the next available descriptor chain. ok is false if
// the driver has posted nothing new since the last call.
func (q *Queue) PopAvail(mem guestmem.Memory) (head uint16, chain []Desc, ok bool) {
	if !q.HasAvail(mem) {
		return 0, nil, false
	}

	buf := mem.Bytes()
	ringOff := q.availAddr + 4 + 2*uint64(q.lastAvailIdx%q.size)
	head = binary.LittleEndian.Uint16(buf[ringOff:])
	q.lastAvailIdx++

	chain = make([]Desc, 0, 4)
	idx := head

	// Bound the walk by the queue size: a malformed guest-written Next
	// chain must never hang the worker (§7 "descriptor malformed" is a
	// queue-processing error, not a crash).
	for i := uint16(0); i <= q.size; i++ {
		off := q.descAddr + uint64(idx)*descSize
		addr := binary.LittleEndian.Uint64(buf[off:])
		length := binary.LittleEndian.Uint32(buf[off+8:])
		flags := binary.LittleEndian.Uint16(buf[off+12:])
		next := binary.LittleEndian.Uint16(buf[off+14:])

		chain = append(chain, Desc{
			Addr:      addr,
			Len:       length,
			Writeable: flags&descFWrite != 0,
			HasNext:   flags&descFNext != 0,
			Next:      next,
		})

		if flags&descFNext == 0 {
			return head, chain, true
		}

		idx = next
	}

	return head, chain, true
}

// AddUsed publishes head as a completed descriptor chain of length n
// bytes and bumps used.Idx so the driver observes it.
func (q *Queue) AddUsed(mem guestmem.Memory, head uint16, n uint32) {
	buf := mem.Bytes()
	elemOff := q.usedAddr + 4 + 8*uint64(q.nextUsedIdx%q.size)
	binary.LittleEndian.PutUint32(buf[elemOff:], uint32(head))
	binary.LittleEndian.PutUint32(buf[elemOff+4:], n)

	q.nextUsedIdx++
	binary.LittleEndian.PutUint16(buf[q.usedAddr+2:], q.nextUsedIdx)
}

// NeedsNotification applies the EVENT_IDX suppression rule (§4.2
// "Interrupt suppression") to the batch of used entries added since the
// last call, and records the new high-water mark. When EVENT_IDX was not
// negotiated it always returns true.
func (q *Queue) NeedsNotification(mem guestmem.Memory) bool {
	old := q.signalledUsedIdx
	newIdx := q.nextUsedIdx
	q.signalledUsedIdx = newIdx

	if !q.eventIdxEnabled {
		return true
	}

	usedEvent := q.usedEventHint(mem)

	return needEvent(usedEvent, newIdx, old)
}

// needEvent is vring_need_event from the Linux virtio ring spec: whether
// a driver waiting for notification at usedEvent should be woken given
// the used index moved from oldIdx to newIdx.
func needEvent(usedEvent, newIdx, oldIdx uint16) bool {
	return uint16(newIdx-usedEvent-1) < uint16(newIdx-oldIdx)
}

// errQueueNotReady is returned by validation helpers when a queue's
// addresses have not been installed by the driver yet.
var errQueueNotReady = fmt.Errorf("virtio: queue addresses not installed")

// Ready reports whether the driver has installed non-zero addresses.
func (q *Queue) Ready() bool {
	return q.descAddr != 0 && q.availAddr != 0 && q.usedAddr != 0
}

// Validate returns errQueueNotReady if the driver has not installed this
// queue's ring addresses yet.
func (q *Queue) Validate() error {
	if !q.Ready() {
		return errQueueNotReady
	}

	return nil
}
