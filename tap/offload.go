package tap

// Offload bits accepted by the TUNSETOFFLOAD ioctl. Not exposed by
// golang.org/x/sys/unix, so mirrored here the way the teacher mirrors
// virtio-specific constants it needs locally (tap.go's ifReq, virtio's
// queue layout comment "refs https://wiki.osdev.org/...").
const (
	offloadCSUM    = 0x1
	offloadTSO4    = 0x2
	offloadTSO6    = 0x4
	offloadTSOECN  = 0x8
	offloadUFO     = 0x10
	tunSetOffload  = 0x400454d0
)

// Offload is the set of kernel TAP offloads currently programmed.
type Offload struct {
	CSUM bool
	TSO4 bool
	TSO6 bool
	ECN  bool
	UFO  bool
}

func (o Offload) bits() uintptr {
	var b uintptr
	if o.CSUM {
		b |= offloadCSUM
	}

	if o.TSO4 {
		b |= offloadTSO4
	}

	if o.TSO6 {
		b |= offloadTSO6
	}

	if o.ECN {
		b |= offloadTSOECN
	}

	if o.UFO {
		b |= offloadUFO
	}

	return b
}

// SetOffload programs the kernel offload flags for this TAP fd (§4.1 step
// 6: "a fixed mapping: GUEST_CSUM→TAP_CSUM, GUEST_TSO4→TAP_TSO4, etc.").
func (t *Tap) SetOffload(o Offload) error {
	return ioctl(uintptr(t.fd), tunSetOffload, o.bits())
}

// FromGuestOffloads maps the virtio-net CTRL_GUEST_OFFLOADS bitmask (as
// delivered by VIRTIO_NET_CTRL_GUEST_OFFLOADS_SET, §4.3) onto the TAP
// offload set. The acked-feature path (§4.1 step 6) uses the same fixed
// mapping applied to the full acknowledged-feature bitmask instead.
func FromGuestOffloads(guestCsum, guestTSO4, guestTSO6, guestECN, guestUFO bool) Offload {
	return Offload{
		CSUM: guestCsum,
		TSO4: guestTSO4,
		TSO6: guestTSO6,
		ECN:  guestECN,
		UFO:  guestUFO,
	}
}
