// Command vhost-user-net runs the vhost-user-net backend process (§4.5,
// §6 "Backend CLI surface"): it parses a connection spec, opens the TAP
// devices and queue pairs it describes, and drives their kick/tap/kill
// fds through its own epoll set until told to shut down.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/quillhv/virtio-net/guestmem"
	"github.com/quillhv/virtio-net/internal/epoll"
	"github.com/quillhv/virtio-net/ratelimit"
	"github.com/quillhv/virtio-net/tap"
	"github.com/quillhv/virtio-net/vhostusernet"
	"github.com/quillhv/virtio-net/virtio"
)

func main() {
	configPath := flag.String("config", "",
		"path to a YAML connection-spec file (alternative to the positional key=value spec)")
	memSize := flag.Uint64("mem-size", 256<<20,
		"size in bytes of the guest-memory region this backend maps")
	migrateSend := flag.String("migrate-send", "",
		"dial this TCP address, send this backend's negotiated state as a migration handshake, then exit")
	migrateRecv := flag.String("migrate-recv", "",
		"listen on this TCP address, accept one migration handshake, log the restored state, then exit")
	flag.Parse()

	spec, err := resolveSpec(*configPath, flag.Args())
	if err != nil {
		log.Fatal(err)
	}

	if *migrateSend != "" {
		if err := sendMigration(spec, *migrateSend); err != nil {
			log.Fatal(err)
		}

		return
	}

	if *migrateRecv != "" {
		if err := receiveMigration(*migrateRecv); err != nil {
			log.Fatal(err)
		}

		return
	}

	if err := run(spec, *memSize); err != nil {
		log.Fatal(err)
	}
}

// negotiatedNet builds the virtio.Net this backend's spec would present to
// a migration peer: same MAC and queue-pair count, no TAPs attached (a
// migration handshake carries config-space and feature state only, never
// TAP fds).
func negotiatedNet(spec vhostusernet.ConnSpec) *virtio.Net {
	pairs := vhostusernet.NumPairsFor(spec.NumQueues)

	var mac [6]byte

	copy(mac[:], spec.HostMAC)

	return virtio.New("vhost-user-net", make([]*tap.Tap, pairs), virtio.WithMAC(mac))
}

// sendMigration dials addr and streams this backend's negotiated device
// state to it as a migration source (§6 "Snapshot layout").
func sendMigration(spec vhostusernet.ConnSpec, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("vhost-user-net: migrate-send: dial %s: %w", addr, err)
	}
	defer conn.Close()

	n := negotiatedNet(spec)

	if err := n.SendMigration(conn); err != nil {
		return fmt.Errorf("vhost-user-net: migrate-send: %w", err)
	}

	log.Printf("vhost-user-net: sent migration state to %s", addr)

	return nil
}

// receiveMigration listens on addr, accepts a single migration handshake
// and restores it into a fresh virtio.Net as a migration destination (§6
// "Snapshot layout").
func receiveMigration(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("vhost-user-net: migrate-recv: listen %s: %w", addr, err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("vhost-user-net: migrate-recv: accept: %w", err)
	}
	defer conn.Close()

	n := virtio.New("vhost-user-net", nil)

	if err := n.ReceiveMigration(conn); err != nil {
		return fmt.Errorf("vhost-user-net: migrate-recv: %w", err)
	}

	log.Printf("vhost-user-net: restored migration state from %s", conn.RemoteAddr())

	return nil
}

func resolveSpec(configPath string, args []string) (vhostusernet.ConnSpec, error) {
	if configPath != "" {
		return vhostusernet.LoadConnSpecFile(configPath)
	}

	if len(args) != 1 {
		return vhostusernet.ConnSpec{}, fmt.Errorf(
			"vhost-user-net: expected exactly one key=value connection spec, got %d args", len(args))
	}

	return vhostusernet.ParseConnSpec(args[0])
}

func run(spec vhostusernet.ConnSpec, memSize uint64) error {
	mem := guestmem.NewFlat(make([]byte, memSize))

	pairs := vhostusernet.NumPairsFor(spec.NumQueues)

	interrupt, err := vhostusernet.NewCallFds(2*pairs + 1)
	if err != nil {
		return fmt.Errorf("vhost-user-net: %w", err)
	}

	backend, err := vhostusernet.New(spec, mem, interrupt, ratelimit.Config{}, ratelimit.Config{})
	if err != nil {
		return fmt.Errorf("vhost-user-net: %w", err)
	}

	d, err := newDaemon(backend)
	if err != nil {
		return fmt.Errorf("vhost-user-net: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Printf("vhost-user-net: shutdown requested")

		if err := backend.Shutdown(); err != nil {
			log.Printf("vhost-user-net: shutdown: %v", err)
		}
	}()

	log.Printf("vhost-user-net: socket=%s tap=%s queue_pairs=%d queue_size=%d",
		spec.Socket, spec.Tap, pairs, spec.QueueSize)

	return d.run()
}

// daemon owns the epoll set that multiplexes every queue pair's kick/tap/
// kill fds plus the control queue's, dispatching each through
// Backend.HandleEvent the way a vhost-user-backend framework would (§4.5).
type daemon struct {
	backend *vhostusernet.Backend
	ep      *epoll.Helper
	ids     map[epoll.EventID]route
}

type route struct {
	deviceEvent int
	threadID    int
	isKill      bool
}

const (
	routeRX = iota
	routeTX
	routeTap
)

func newDaemon(b *vhostusernet.Backend) (*daemon, error) {
	ep, err := epoll.New()
	if err != nil {
		return nil, err
	}

	d := &daemon{backend: b, ep: ep, ids: make(map[epoll.EventID]route)}

	nextID := epoll.EventID(0)

	for i := 0; i < b.NumPairs(); i++ {
		w := b.Worker(i)

		nextID = d.register(nextID, w.RXEventFd().Fd(), route{deviceEvent: routeRX, threadID: i})
		nextID = d.register(nextID, w.TXEventFd().Fd(), route{deviceEvent: routeTX, threadID: i})
		nextID = d.register(nextID, w.TapFd(), route{deviceEvent: routeTap, threadID: i})
		nextID = d.register(nextID, w.KillFd().Fd(), route{threadID: i, isKill: true})
	}

	nextID = d.register(nextID, b.CtrlEvtFd().Fd(), route{deviceEvent: routeRX, threadID: b.NumPairs()})
	nextID = d.register(nextID, b.CtrlKillFd().Fd(), route{threadID: b.NumPairs(), isKill: true})

	return d, nil
}

func (d *daemon) register(id epoll.EventID, fd int, r route) epoll.EventID {
	if err := d.ep.Add(id, fd); err != nil {
		log.Printf("vhost-user-net: register fd %d: %v", fd, err)
	}

	d.ids[id] = r

	return id + 1
}

func (d *daemon) HandleEvent(id epoll.EventID) (bool, error) {
	r, ok := d.ids[id]
	if !ok {
		return false, fmt.Errorf("vhost-user-net: unknown epoll event id %d", id)
	}

	if r.isKill {
		return true, nil
	}

	if err := d.backend.HandleEvent(r.deviceEvent, true, r.threadID); err != nil {
		return false, fmt.Errorf("vhost-user-net: thread %d event %d: %w", r.threadID, r.deviceEvent, err)
	}

	return false, nil
}

func (d *daemon) run() error {
	return d.ep.Run(d)
}
