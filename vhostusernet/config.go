package vhostusernet

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of a -config file: an alternative to
// the inline comma-separated connection string for the same fields
// ParseConnSpec accepts (§4.5, §6 "Backend CLI surface").
type fileConfig struct {
	Tap       string `yaml:"tap"`
	IP        string `yaml:"ip"`
	HostMAC   string `yaml:"host_mac"`
	Mask      string `yaml:"mask"`
	QueueSize uint16 `yaml:"queue_size"`
	NumQueues int    `yaml:"num_queues"`
	Socket    string `yaml:"socket"`
	Client    bool   `yaml:"client"`
}

// LoadConnSpecFile reads and parses a YAML connection-spec file at path,
// applying the same defaults ParseConnSpec does for any field the file
// leaves unset.
func LoadConnSpecFile(path string) (ConnSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnSpec{}, fmt.Errorf("vhostusernet: read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return ConnSpec{}, fmt.Errorf("vhostusernet: parse config %s: %w", path, err)
	}

	if fc.Socket == "" {
		return ConnSpec{}, ErrSocketMissing
	}

	spec := ConnSpec{
		Tap:       fc.Tap,
		QueueSize: fc.QueueSize,
		NumQueues: fc.NumQueues,
		Socket:    fc.Socket,
		Client:    fc.Client,
	}

	if spec.QueueSize == 0 {
		spec.QueueSize = DefaultQueueSize
	}

	if spec.NumQueues == 0 {
		spec.NumQueues = DefaultNumQueues
	}

	if fc.IP != "" {
		spec.IP = net.ParseIP(fc.IP)
		if spec.IP == nil {
			return ConnSpec{}, fmt.Errorf("vhostusernet: invalid ip %q", fc.IP)
		}
	} else {
		spec.IP = net.ParseIP(DefaultIP)
	}

	if fc.Mask != "" {
		spec.Mask = net.IPMask(net.ParseIP(fc.Mask).To4())
		if spec.Mask == nil {
			return ConnSpec{}, fmt.Errorf("vhostusernet: invalid mask %q", fc.Mask)
		}
	} else {
		spec.Mask = net.IPMask(net.ParseIP(DefaultMask).To4())
	}

	if fc.HostMAC != "" {
		mac, err := net.ParseMAC(fc.HostMAC)
		if err != nil {
			return ConnSpec{}, fmt.Errorf("vhostusernet: invalid host_mac %q: %w", fc.HostMAC, err)
		}

		spec.HostMAC = mac
	} else {
		mac, err := randomLocallyAdministeredMAC()
		if err != nil {
			return ConnSpec{}, fmt.Errorf("vhostusernet: generate host_mac: %w", err)
		}

		spec.HostMAC = mac
	}

	return spec, nil
}
