package unpacker

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fwlab/fact/cmd/backend/extractor"
	"github.com/fwlab/fact/common/config"
	"github.com/fwlab/fact/common/models"
	"github.com/fwlab/fact/common/unpacklock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("INFO: %s %v", msg, keysAndValues)
}
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("ERROR: %s %v", msg, keysAndValues)
}
func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("WARN: %s %v", msg, keysAndValues)
}
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("DEBUG: %s %v", msg, keysAndValues)
}

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildTar(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// testFirmware is a zip of two files and a tar holding a third
func testFirmware(t *testing.T) *models.FileObject {
	inner := buildTar(t, map[string][]byte{"c.txt": []byte("gamma")})
	data := buildZip(t, map[string][]byte{
		"a.txt":         []byte("alpha"),
		"b.bin":         {0x00, 0x01, 'b', 'e', 't', 'a'},
		"dir/inner.tar": inner,
	})
	return models.NewFileObject("firmware.zip", data)
}

type blobMap struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (b *blobMap) Put(ctx context.Context, uid string, data []byte) error {
	b.mu.Lock()
	b.blobs[uid] = data
	b.mu.Unlock()
	return nil
}

func (b *blobMap) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}

type forwarded struct {
	mu      sync.Mutex
	objects []*models.FileObject
}

func (f *forwarded) post(ctx context.Context, obj *models.FileObject) {
	f.mu.Lock()
	f.objects = append(f.objects, obj)
	f.mu.Unlock()
}

func (f *forwarded) snapshot() []*models.FileObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.FileObject(nil), f.objects...)
}

func (f *forwarded) waitFor(t *testing.T, n int) []*models.FileObject {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.snapshot()) >= n }, 5*time.Second, 5*time.Millisecond)
	return f.snapshot()
}

func (f *forwarded) byName(name string) *models.FileObject {
	for _, obj := range f.snapshot() {
		if obj.FileName == name {
			return obj
		}
	}
	return nil
}

type harness struct {
	s     *Scheduler
	out   *forwarded
	blobs *blobMap
	locks unpacklock.Manager
}

func startScheduler(t *testing.T, cfg config.UnpackConfig, opts *Opts) *harness {
	t.Helper()
	h := &harness{out: &forwarded{}, blobs: &blobMap{blobs: map[string][]byte{}}}

	if opts == nil {
		opts = &Opts{}
	}
	opts.Config = cfg
	if opts.Extractor == nil {
		opts.Extractor = extractor.Default()
	}
	if opts.Locks == nil {
		opts.Locks = unpacklock.NewMemoryManager()
	}
	opts.Blobs = h.blobs
	opts.PostUnpack = h.out.post
	opts.PollDelay = 5 * time.Millisecond
	opts.Logger = &testLogger{t: t}
	h.locks = opts.Locks

	s, err := New(opts)
	require.NoError(t, err)
	h.s = s

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// parked returns the number of copies waiting on this process's holder of uid
func (h *harness) parked(uid string) int {
	h.s.heldMu.Lock()
	defer h.s.heldMu.Unlock()
	return len(h.s.held[uid])
}

func defaultConfig() config.UnpackConfig {
	return config.UnpackConfig{MaxDepth: 10, MemoryLimitMB: 16, Threads: 3}
}

func TestScheduler_ForwardsEveryObjectOnce(t *testing.T) {
	h := startScheduler(t, defaultConfig(), nil)
	root := testFirmware(t)
	require.NoError(t, h.s.AddTask(context.Background(), root))

	objects := h.out.waitFor(t, 5)
	time.Sleep(30 * time.Millisecond)
	objects = h.out.snapshot()
	require.Len(t, objects, 5)

	uids := map[string]bool{}
	for _, obj := range objects {
		assert.False(t, uids[obj.UID], "%s forwarded twice", obj.FileName)
		uids[obj.UID] = true
		assert.Empty(t, obj.UnpackError, obj.FileName)

		locked, err := h.locks.IsLocked(context.Background(), obj.UID)
		require.NoError(t, err)
		assert.False(t, locked, obj.FileName)
	}
	assert.Equal(t, 5, h.blobs.len())

	assert.Len(t, root.FilesIncluded, 3)
	inner := h.out.byName("inner.tar")
	require.NotNil(t, inner)
	assert.Equal(t, 1, inner.Depth)
	assert.Equal(t, []string{root.UID + "|/dir/inner.tar"}, inner.VirtualFilePath[root.UID])

	leaf := h.out.byName("c.txt")
	require.NotNil(t, leaf)
	assert.Equal(t, 2, leaf.Depth)
	assert.Equal(t, []string{inner.UID}, leaf.ParentUIDs)
	assert.Equal(t, []string{root.UID}, leaf.ParentFirmwareUIDs)
	assert.Equal(t, []string{root.UID + "|/dir/inner.tar|/c.txt"}, leaf.VirtualFilePath[root.UID])
}

func TestScheduler_DepthLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxDepth = 1
	h := startScheduler(t, cfg, nil)
	require.NoError(t, h.s.AddTask(context.Background(), testFirmware(t)))

	h.out.waitFor(t, 4)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, h.out.snapshot(), 4)

	inner := h.out.byName("inner.tar")
	require.NotNil(t, inner)
	assert.True(t, inner.UnpackDepthExceeded)
	assert.Empty(t, inner.FilesIncluded)
	assert.Nil(t, h.out.byName("c.txt"))
	assert.False(t, h.out.byName("firmware.zip").UnpackDepthExceeded)
}

func TestScheduler_CorruptContainerIsStillForwarded(t *testing.T) {
	h := startScheduler(t, defaultConfig(), nil)
	broken := models.NewFileObject("broken.zip", append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0xff}, 64)...))
	require.NoError(t, h.s.AddTask(context.Background(), broken))

	objects := h.out.waitFor(t, 1)
	assert.Equal(t, broken.UID, objects[0].UID)
	assert.NotEmpty(t, objects[0].UnpackError)
	assert.Empty(t, objects[0].FilesIncluded)
}

// gateExtractor blocks every call until release is closed
type gateExtractor struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (g *gateExtractor) Name() string { return "gate" }
func (g *gateExtractor) Extract(ctx context.Context, data []byte, limit int64) ([]extractor.Entry, error) {
	g.calls.Add(1)
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return nil, extractor.ErrNotContainer
}

// contendedLocks reports every refused TryAcquire
type contendedLocks struct {
	*unpacklock.MemoryManager
	refused chan string
}

func (c *contendedLocks) TryAcquire(ctx context.Context, uid string) (bool, error) {
	ok, err := c.MemoryManager.TryAcquire(ctx, uid)
	if err == nil && !ok {
		c.refused <- uid
	}
	return ok, err
}

func TestScheduler_SameUIDExtractedOnce(t *testing.T) {
	gate := &gateExtractor{started: make(chan struct{}, 1), release: make(chan struct{})}
	locks := &contendedLocks{MemoryManager: unpacklock.NewMemoryManager(), refused: make(chan string, 1)}
	h := startScheduler(t, defaultConfig(), &Opts{Extractor: gate, Locks: locks})
	ctx := context.Background()

	first := models.NewFileObject("fw1.bin", []byte("shared content"))
	second := models.NewFileObject("fw2.bin", []byte("shared content"))
	require.NoError(t, h.s.AddTask(ctx, first))
	<-gate.started
	require.NoError(t, h.s.AddTask(ctx, second))

	select {
	case uid := <-locks.refused:
		assert.Equal(t, first.UID, uid)
	case <-time.After(2 * time.Second):
		t.Fatal("second submission never contended for the lock")
	}
	require.Eventually(t, func() bool { return h.parked(first.UID) == 1 }, time.Second, 5*time.Millisecond)
	close(gate.release)

	h.out.waitFor(t, 2)
	assert.EqualValues(t, 1, gate.calls.Load())
}

type panicExtractor struct{}

func (panicExtractor) Name() string { return "panic" }
func (panicExtractor) Extract(ctx context.Context, data []byte, limit int64) ([]extractor.Entry, error) {
	panic("parser bug")
}

func TestScheduler_RecoversExtractorPanic(t *testing.T) {
	h := startScheduler(t, defaultConfig(), &Opts{Extractor: panicExtractor{}})
	obj := models.NewFileObject("x", []byte("x"))
	require.NoError(t, h.s.AddTask(context.Background(), obj))

	objects := h.out.waitFor(t, 1)
	assert.Contains(t, objects[0].UnpackError, "panicked")

	locked, err := h.locks.IsLocked(context.Background(), obj.UID)
	require.NoError(t, err)
	assert.False(t, locked)

	// the worker survives
	require.NoError(t, h.s.AddTask(context.Background(), models.NewFileObject("y", []byte("y"))))
	h.out.waitFor(t, 2)
}

func TestScheduler_WhitelistedTypesAreLeaves(t *testing.T) {
	gate := &gateExtractor{started: make(chan struct{}, 1), release: make(chan struct{})}
	close(gate.release)
	cfg := defaultConfig()
	cfg.Whitelist = []string{"image/png"}
	h := startScheduler(t, cfg, &Opts{Extractor: gate})

	require.NoError(t, h.s.AddTask(context.Background(), models.NewFileObject("logo.png", []byte("\x89PNG\r\n\x1a\nIHDR"))))
	h.out.waitFor(t, 1)
	assert.Zero(t, gate.calls.Load())
}

func TestScheduler_MemoryLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.MemoryLimitMB = 1
	h := startScheduler(t, cfg, nil)

	big := models.NewFileObject("big.bin", bytes.Repeat([]byte{0xAA}, 2*1024*1024))
	require.NoError(t, h.s.AddTask(context.Background(), big))

	objects := h.out.waitFor(t, 1)
	assert.Contains(t, objects[0].UnpackError, "resource exhaustion")
}

func TestScheduler_Throttle(t *testing.T) {
	var backlog atomic.Int64
	backlog.Store(100)
	cfg := defaultConfig()
	cfg.ThrottleLimit = 50
	h := startScheduler(t, cfg, &Opts{Throttle: func() int { return int(backlog.Load()) }})

	require.NoError(t, h.s.AddTask(context.Background(), models.NewFileObject("x", []byte("x"))))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.out.snapshot())
	assert.Equal(t, 1, h.s.QueueLength())

	backlog.Store(0)
	h.out.waitFor(t, 1)
}

func TestScheduler_ShutdownDrains(t *testing.T) {
	h := startScheduler(t, defaultConfig(), nil)
	require.NoError(t, h.s.AddTask(context.Background(), testFirmware(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.s.Shutdown(ctx))
	assert.Len(t, h.out.snapshot(), 5)

	err := h.s.AddTask(context.Background(), models.NewFileObject("late", []byte("late")))
	assert.ErrorIs(t, err, ErrShutdown)
}

// holdExtractor blocks the first extraction of one input until release is closed
type holdExtractor struct {
	extractor.Extractor
	hold    []byte
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (h *holdExtractor) Extract(ctx context.Context, data []byte, limit int64) ([]extractor.Entry, error) {
	if bytes.Equal(data, h.hold) {
		if h.calls.Add(1) == 1 {
			close(h.started)
			<-h.release
		}
	}
	return h.Extractor.Extract(ctx, data, limit)
}

// refusals records refused TryAcquire calls without blocking
type refusals struct {
	*unpacklock.MemoryManager
	mu  sync.Mutex
	ids []string
}

func (r *refusals) TryAcquire(ctx context.Context, uid string) (bool, error) {
	ok, err := r.MemoryManager.TryAcquire(ctx, uid)
	if err == nil && !ok {
		r.mu.Lock()
		r.ids = append(r.ids, uid)
		r.mu.Unlock()
	}
	return ok, err
}

func (r *refusals) contains(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.ids {
		if id == uid {
			return true
		}
	}
	return false
}

func TestScheduler_SharedContainerLinkedToBothFirmwares(t *testing.T) {
	inner := buildTar(t, map[string][]byte{"c.txt": []byte("gamma")})
	ext := &holdExtractor{
		Extractor: extractor.Default(),
		hold:      inner,
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	locks := &refusals{MemoryManager: unpacklock.NewMemoryManager()}
	h := startScheduler(t, defaultConfig(), &Opts{Extractor: ext, Locks: locks})
	ctx := context.Background()

	fw1 := models.NewFileObject("fw1.zip", buildZip(t, map[string][]byte{"inner.tar": inner}))
	fw2 := models.NewFileObject("fw2.zip", buildZip(t, map[string][]byte{
		"x/inner.tar": inner,
		"other.txt":   []byte("other"),
	}))
	innerUID := models.CreateUID(inner)
	leafUID := models.CreateUID([]byte("gamma"))

	require.NoError(t, h.s.AddTask(ctx, fw1))
	select {
	case <-ext.started:
	case <-time.After(2 * time.Second):
		t.Fatal("inner container never reached extraction")
	}
	require.NoError(t, h.s.AddTask(ctx, fw2))
	require.Eventually(t, func() bool { return locks.contains(innerUID) && h.parked(innerUID) == 1 }, 2*time.Second, 5*time.Millisecond)
	close(ext.release)

	// fw1, inner, c.txt, fw2, other.txt, inner, c.txt
	h.out.waitFor(t, 7)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, h.out.snapshot(), 7)
	assert.EqualValues(t, 1, ext.calls.Load(), "the shared container is extracted once")

	var innerCopies int
	firmwares := map[string]bool{}
	vpaths := map[string][]string{}
	for _, obj := range h.out.snapshot() {
		switch obj.UID {
		case innerUID:
			innerCopies++
			assert.Equal(t, []string{leafUID}, obj.FilesIncluded)
		case leafUID:
			for _, fw := range obj.ParentFirmwareUIDs {
				firmwares[fw] = true
			}
			for root, paths := range obj.VirtualFilePath {
				vpaths[root] = append(vpaths[root], paths...)
			}
		}
	}
	assert.Equal(t, 2, innerCopies)
	assert.Equal(t, map[string]bool{fw1.UID: true, fw2.UID: true}, firmwares)
	assert.Equal(t, []string{fw1.UID + "|/inner.tar|/c.txt"}, vpaths[fw1.UID])
	assert.Equal(t, []string{fw2.UID + "|/x/inner.tar|/c.txt"}, vpaths[fw2.UID])

	for _, uid := range []string{fw1.UID, fw2.UID, innerUID, leafUID} {
		locked, err := h.locks.IsLocked(ctx, uid)
		require.NoError(t, err)
		assert.False(t, locked)
	}
}

func TestScheduler_LockHeldElsewhereIsRetried(t *testing.T) {
	locks := unpacklock.NewMemoryManager()
	h := startScheduler(t, defaultConfig(), &Opts{Locks: locks})
	ctx := context.Background()

	obj := testFirmware(t)
	acquired, err := locks.TryAcquire(ctx, obj.UID)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, h.s.AddTask(ctx, obj))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.out.snapshot(), "nothing is forwarded while another process unpacks the uid")

	require.NoError(t, locks.Release(ctx, obj.UID))
	h.out.waitFor(t, 5)
	assert.Len(t, obj.FilesIncluded, 3)
}
