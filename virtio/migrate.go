package virtio

import (
	"fmt"
	"io"

	"github.com/quillhv/virtio-net/migration"
)

// SendMigration snapshots n and streams it to w as a complete migration
// handshake -- one MsgSnapshot followed by MsgDone -- the live-migration
// source side of §6 "Snapshot layout". w is typically a TCP connection to
// the destination process.
func (n *Net) SendMigration(w io.Writer) error {
	sender := migration.NewSender(w)

	snap := &migration.Snapshot{
		Devices: migration.DeviceState{Net: n.Snapshot().MigrationState()},
	}

	if err := sender.SendSnapshot(snap); err != nil {
		return fmt.Errorf("virtio: send migration: %w", err)
	}

	if err := sender.SendDone(); err != nil {
		return fmt.Errorf("virtio: send migration: %w", err)
	}

	return nil
}

// ReceiveMigration reads a migration handshake from r and restores it into
// n, the destination side of §6 "Snapshot layout". It returns after the
// first MsgDone. Messages other than MsgSnapshot/MsgDone (memory transfer,
// in particular) are this module's callers' concern and are skipped here.
func (n *Net) ReceiveMigration(r io.Reader) error {
	recv := migration.NewReceiver(r)

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			return fmt.Errorf("virtio: receive migration: %w", err)
		}

		switch msgType {
		case migration.MsgSnapshot:
			snap, err := migration.DecodeSnapshot(payload)
			if err != nil {
				return fmt.Errorf("virtio: receive migration: %w", err)
			}

			if snap.Devices.Net != nil {
				if err := n.Restore(SnapshotFromMigrationState(snap.Devices.Net)); err != nil {
					return fmt.Errorf("virtio: receive migration: %w", err)
				}
			}
		case migration.MsgDone:
			return nil
		}
	}
}
