// Package migration provides the snapshot record and framed binary
// transport used to move a virtio-net device's state between a source
// and destination process during live migration.
package migration

// NetState is the wire-level mirror of virtio.Snapshot (§6 "Snapshot
// layout"). It is kept as its own type, rather than gob-encoding
// virtio.Snapshot directly, so the migration wire format does not change
// shape if the in-process Snapshot struct grows fields later.
type NetState struct {
	AvailFeatures uint64
	AckedFeatures uint64
	Config        []byte
	QueueSizes    []uint16
}

// DeviceState aggregates the migratable devices attached to one
// connection. Net is nil when no virtio-net device is attached.
type DeviceState struct {
	Net *NetState
}

// Snapshot is the complete state handed off during migration. Guest
// memory is transferred separately as a raw byte stream (SendMemoryFull /
// SendMemoryDirty), matching how the teacher kept VM memory out of the
// gob-encoded snapshot payload.
type Snapshot struct {
	Devices DeviceState
}
