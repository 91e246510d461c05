// Package vhostusernet implements the vhost-user-net backend process
// (§4.5): connection-spec parsing, TAP/worker construction and the
// handle_event/update_memory/exit_event surface the hosting vhost-user
// daemon drives.
package vhostusernet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Defaults for unset ConnSpec fields (§4.5).
const (
	DefaultIP        = "192.168.100.1"
	DefaultMask      = "255.255.255.0"
	DefaultQueueSize = 256
	DefaultNumQueues = 2
)

// ErrSocketMissing is returned by ParseConnSpec when the required socket
// key is absent (§4.5 "fails with \"socket parameter missing\"").
var ErrSocketMissing = errors.New(`vhostusernet: socket parameter missing`)

// ConnSpec is the parsed backend connection specification (§4.5).
type ConnSpec struct {
	Tap       string
	IP        net.IP
	HostMAC   net.HardwareAddr
	Mask      net.IPMask
	QueueSize uint16
	NumQueues int
	Socket    string
	Client    bool
}

// ParseConnSpec parses a comma-separated key=value connection string
// (§4.5, §6 "Backend CLI surface"). Unrecognised keys are ignored, matching
// the forward-compatible posture of the rest of this module's config
// surface.
func ParseConnSpec(s string) (ConnSpec, error) {
	spec := ConnSpec{
		QueueSize: DefaultQueueSize,
		NumQueues: DefaultNumQueues,
	}

	haveSocket := false

	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return ConnSpec{}, fmt.Errorf("vhostusernet: malformed field %q (want key=value)", field)
		}

		switch key {
		case "tap":
			spec.Tap = value
		case "ip":
			spec.IP = net.ParseIP(value)
			if spec.IP == nil {
				return ConnSpec{}, fmt.Errorf("vhostusernet: invalid ip %q", value)
			}
		case "host_mac":
			mac, err := net.ParseMAC(value)
			if err != nil {
				return ConnSpec{}, fmt.Errorf("vhostusernet: invalid host_mac %q: %w", value, err)
			}

			spec.HostMAC = mac
		case "mask":
			spec.Mask = net.IPMask(net.ParseIP(value).To4())
			if spec.Mask == nil {
				return ConnSpec{}, fmt.Errorf("vhostusernet: invalid mask %q", value)
			}
		case "queue_size":
			n, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return ConnSpec{}, fmt.Errorf("vhostusernet: invalid queue_size %q: %w", value, err)
			}

			spec.QueueSize = uint16(n)
		case "num_queues":
			n, err := strconv.Atoi(value)
			if err != nil {
				return ConnSpec{}, fmt.Errorf("vhostusernet: invalid num_queues %q: %w", value, err)
			}

			spec.NumQueues = n
		case "socket":
			spec.Socket = value
			haveSocket = true
		case "client":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return ConnSpec{}, fmt.Errorf("vhostusernet: invalid client %q: %w", value, err)
			}

			spec.Client = b
		}
	}

	if !haveSocket {
		return ConnSpec{}, ErrSocketMissing
	}

	if spec.IP == nil {
		spec.IP = net.ParseIP(DefaultIP)
	}

	if spec.Mask == nil {
		spec.Mask = net.IPMask(net.ParseIP(DefaultMask).To4())
	}

	if spec.HostMAC == nil {
		mac, err := randomLocallyAdministeredMAC()
		if err != nil {
			return ConnSpec{}, fmt.Errorf("vhostusernet: generate host_mac: %w", err)
		}

		spec.HostMAC = mac
	}

	return spec, nil
}

// randomLocallyAdministeredMAC generates a random MAC with the locally
// administered bit set and the multicast bit cleared.
func randomLocallyAdministeredMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, err
	}

	mac[0] = (mac[0] | 0x02) & 0xfe

	return mac, nil
}
