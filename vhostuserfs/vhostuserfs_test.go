package vhostuserfs

import (
	"bytes"
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/quillhv/virtio-net/guestmem"
)

func newTestHandler(cacheSize uint64) *Handler {
	mem := guestmem.NewHandle(guestmem.NewFlat(make([]byte, 4096)))

	return New(0, cacheSize, 0, mem)
}

// newMappedTestHandler reserves a real anonymous PROT_NONE window and
// returns a Handler over it, the way an attach-time vhost-user-fs slave
// would before servicing any map/unmap/sync request.
func newMappedTestHandler(t *testing.T, cacheSize uint64) (*Handler, uintptr) {
	t.Helper()

	region, err := unix.Mmap(-1, 0, int(cacheSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatalf("reserve cache window: %v", err)
	}

	t.Cleanup(func() { _ = unix.Munmap(region) })

	addr := uintptr(unsafe.Pointer(&region[0]))
	mem := guestmem.NewHandle(guestmem.NewFlat(make([]byte, 4096)))

	return New(0, cacheSize, addr, mem), addr
}

// openForMap opens path read-write and returns the raw fd, suitable for a
// call that (like Map) takes ownership and closes it.
func openForMap(t *testing.T, path string) int {
	t.Helper()

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}

	return fd
}

func TestMapPopulatesCacheWindow(t *testing.T) {
	t.Parallel()

	h, addr := newMappedTestHandler(t, 8192)

	data := bytes.Repeat([]byte("vhost-user-fs map test data. "), 4)

	f, err := os.CreateTemp(t.TempDir(), "vhostuserfs-map")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}

	if _, err := f.Write(data); err != nil {
		t.Fatalf("write backing file: %v", err)
	}

	path := f.Name()
	f.Close()

	fd := openForMap(t, path)

	entries := []Entry{{CacheOffset: 0, FdOffset: 0, Len: uint64(len(data))}}
	if err := h.Map(fd, entries); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got := unsafeByteView(addr, uint64(len(data)))
	if !bytes.Equal(got, data) {
		t.Fatalf("mapped window = %q, want %q", got, data)
	}
}

func TestMapRejectsOutOfRangeEntry(t *testing.T) {
	t.Parallel()

	h, _ := newMappedTestHandler(t, 4096)

	fd := openForMap(t, mustTempFile(t, []byte("x")))

	err := h.Map(fd, []Entry{{CacheOffset: 8192, Len: 1}})
	if err == nil {
		t.Fatal("expected error for out-of-range map entry")
	}
}

func TestUnmapSucceedsOnMappedAndSentinelRanges(t *testing.T) {
	t.Parallel()

	h, _ := newMappedTestHandler(t, 8192)

	data := []byte("data that will be unmapped")

	fd := openForMap(t, mustTempFile(t, data))

	if err := h.Map(fd, []Entry{{CacheOffset: 0, FdOffset: 0, Len: uint64(len(data))}}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := h.Unmap([]Entry{{CacheOffset: 0, Len: uint64(len(data))}}); err != nil {
		t.Fatalf("Unmap (explicit range): %v", err)
	}

	if err := h.Unmap([]Entry{{CacheOffset: unmapAll, Len: 1}}); err != nil {
		t.Fatalf("Unmap (sentinel): %v", err)
	}
}

func TestSyncFlushesMappedRange(t *testing.T) {
	t.Parallel()

	h, addr := newMappedTestHandler(t, 4096)

	data := []byte("data synced back to the backing file")

	fd := openForMap(t, mustTempFile(t, data))

	if err := h.Map(fd, []Entry{{CacheOffset: 0, FdOffset: 0, Len: uint64(len(data))}}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	view := unsafeByteView(addr, uint64(len(data)))
	copy(view, bytes.ToUpper(data))

	if err := h.Sync([]Entry{{CacheOffset: 0, Len: uint64(len(data))}}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

// newIOTestHandler builds a Handler whose cache window is zero-sized, so
// every IO() entry resolves through guestmem.Memory.HostAddress instead of
// the mmap cache, exercising the path that guestmem.Flat.HostAddress used
// to always return an error (§4.6 "io").
func newIOTestHandler(memSize uint64) (*Handler, []byte) {
	buf := make([]byte, memSize)
	mem := guestmem.NewHandle(guestmem.NewFlat(buf))

	return New(0, 0, 0, mem), buf
}

func TestIOWriteFromGuestMemory(t *testing.T) {
	t.Parallel()

	h, buf := newIOTestHandler(4096)

	pattern := []byte("guest memory contents bound for the backing file")
	const gpa = 100
	copy(buf[gpa:], pattern)

	path := mustTempFile(t, make([]byte, len(pattern)))
	fd := openForMap(t, path)

	entries := []Entry{{CacheOffset: gpa, FdOffset: 0, Len: uint64(len(pattern))}}
	if err := h.IO(fd, entries, true); err != nil {
		t.Fatalf("IO(write): %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(got, pattern) {
		t.Fatalf("file contents = %q, want %q", got, pattern)
	}
}

func TestIOReadIntoGuestMemory(t *testing.T) {
	t.Parallel()

	h, buf := newIOTestHandler(4096)

	pattern := []byte("backing file contents bound for guest memory")
	path := mustTempFile(t, pattern)
	fd := openForMap(t, path)

	const gpa = 200

	entries := []Entry{{CacheOffset: gpa, FdOffset: 0, Len: uint64(len(pattern))}}
	if err := h.IO(fd, entries, false); err != nil {
		t.Fatalf("IO(read): %v", err)
	}

	got := buf[gpa : gpa+len(pattern)]
	if !bytes.Equal(got, pattern) {
		t.Fatalf("guest memory = %q, want %q", got, pattern)
	}
}

func TestIOOutOfRangeEntryErrors(t *testing.T) {
	t.Parallel()

	h, _ := newIOTestHandler(64)

	path := mustTempFile(t, []byte("x"))
	fd := openForMap(t, path)

	entries := []Entry{{CacheOffset: 1 << 20, FdOffset: 0, Len: 1}}
	if err := h.IO(fd, entries, false); err == nil {
		t.Fatal("expected error for gpa outside guest memory")
	}
}

// mustTempFile writes data to a new temp file and returns its path.
func mustTempFile(t *testing.T, data []byte) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "vhostuserfs")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}

	if _, err := f.Write(data); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	path := f.Name()

	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}

	return path
}

func TestValidRange(t *testing.T) {
	t.Parallel()

	h := newTestHandler(4096)

	cases := []struct {
		offset, length uint64
		want           bool
	}{
		{0, 4096, true},
		{0, 4097, false},
		{4096, 1, false},
		{100, 10, true},
		{^uint64(0), 1, false}, // offset+len overflows
	}

	for _, c := range cases {
		if got := h.valid(c.offset, c.length); got != c.want {
			t.Errorf("valid(%#x, %#x) = %v, want %v", c.offset, c.length, got, c.want)
		}
	}
}

func TestValidateAllRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	h := newTestHandler(4096)

	err := h.validateAll([]Entry{{CacheOffset: 4000, Len: 200}}, false)
	if err == nil {
		t.Fatal("expected error for out-of-range entry")
	}
}

func TestValidateAllSkipsZeroLength(t *testing.T) {
	t.Parallel()

	h := newTestHandler(4096)

	if err := h.validateAll([]Entry{{CacheOffset: 1 << 40, Len: 0}}, false); err != nil {
		t.Fatalf("zero-length entry should be skipped, got %v", err)
	}
}

func TestValidateAllAllowsUnmapAllSentinel(t *testing.T) {
	t.Parallel()

	h := newTestHandler(4096)

	err := h.validateAll([]Entry{{CacheOffset: unmapAll, Len: 1}}, true)
	if err != nil {
		t.Fatalf("unmap-all sentinel should be allowed, got %v", err)
	}

	err = h.validateAll([]Entry{{CacheOffset: unmapAll, Len: 1}}, false)
	if err == nil {
		t.Fatal("unmap-all sentinel should be rejected when not allowed")
	}
}
