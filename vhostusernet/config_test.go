package vhostusernet

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "backend.yaml")

	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

func TestLoadConnSpecFile(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
tap: vhost2
ip: 10.1.0.1
mask: 255.255.255.0
host_mac: "02:00:00:00:00:02"
queue_size: 512
num_queues: 6
socket: /tmp/b.sock
client: true
`)

	spec, err := LoadConnSpecFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if spec.Tap != "vhost2" || spec.Socket != "/tmp/b.sock" || spec.QueueSize != 512 || spec.NumQueues != 6 {
		t.Fatalf("got %+v", spec)
	}

	if !spec.Client {
		t.Error("client = false, want true")
	}
}

func TestLoadConnSpecFileDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "socket: /tmp/c.sock\n")

	spec, err := LoadConnSpecFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if spec.QueueSize != DefaultQueueSize {
		t.Errorf("queue size = %d, want default", spec.QueueSize)
	}

	if spec.NumQueues != DefaultNumQueues {
		t.Errorf("num queues = %d, want default", spec.NumQueues)
	}

	if spec.IP.String() != DefaultIP {
		t.Errorf("ip = %s, want default", spec.IP)
	}

	if spec.HostMAC == nil {
		t.Error("host mac not generated")
	}
}

func TestLoadConnSpecFileMissingSocket(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "tap: vhost3\n")

	if _, err := LoadConnSpecFile(path); err != ErrSocketMissing {
		t.Fatalf("got %v, want ErrSocketMissing", err)
	}
}

func TestLoadConnSpecFileMissingPath(t *testing.T) {
	t.Parallel()

	if _, err := LoadConnSpecFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
