package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourced/internal/config"
	"sourced/internal/fingerprint"
	"sourced/internal/fsops"
	"sourced/internal/keys"
	"sourced/internal/logging"
	"sourced/internal/store"
)

// fakePeer records everything the pipeline hands to the transport.
// SendChunk can be made to fail to exercise best-effort delivery.
type fakePeer struct {
	mu          sync.Mutex
	chunks      []*fingerprint.Chunk
	descriptors []*keys.EncryptedDescriptor
	chunkErr    error
	closed      bool
}

func (p *fakePeer) SendChunk(ctx context.Context, chunk *fingerprint.Chunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chunkErr != nil {
		return p.chunkErr
	}
	p.chunks = append(p.chunks, chunk)
	return nil
}

func (p *fakePeer) SendDescriptor(ctx context.Context, desc *keys.EncryptedDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.descriptors = append(p.descriptors, desc)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) sentData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf bytes.Buffer
	for _, c := range p.chunks {
		buf.Write(c.Data())
	}
	return buf.Bytes()
}

func testSourceKeys(t *testing.T) *keys.Keys {
	t.Helper()
	_, signing, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	return keys.New(signing, identity.Recipient())
}

func buildServer(t *testing.T, roots []string, dbPath string, p *fakePeer, sourceKey *keys.Keys) *Server {
	t.Helper()
	srv, err := NewBuilder().
		Roots(roots).
		DB(dbPath).
		Crypto(keys.SystemRandom{}, sourceKey).
		Peer(p).
		Logger(logging.Default("test")).
		Build(context.Background())
	require.NoError(t, err)
	return srv
}

func TestServeSendsChangedFiles(t *testing.T) {
	root := t.TempDir()
	content := bytes.Repeat([]byte("abcdefgh"), 1024)
	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.txt"), content, 0644))

	dbPath := filepath.Join(t.TempDir(), "meta.db")
	p := &fakePeer{}
	srv := buildServer(t, []string{root}, dbPath, p, testSourceKeys(t))

	require.NoError(t, srv.Serve(context.Background()))

	assert.Equal(t, content, p.sentData(), "chunks must reassemble into the file")
	assert.Len(t, p.descriptors, 1)

	// The pass recorded a version: a fresh store sees the file as
	// unchanged.
	st, err := store.Open(dbPath, keys.SystemRandom{})
	require.NoError(t, err)
	change, err := st.CheckShallowChange(context.Background(),
		fsops.NewShallowInfo(filepath.Join(root, "doc.txt"), uint64(len(content))))
	require.NoError(t, err)
	assert.False(t, change.Changed)
	assert.Equal(t, uint64(0), change.Partial.Version)
	require.NoError(t, st.Shutdown())
}

func TestServeSplitsLargeFiles(t *testing.T) {
	root := t.TempDir()
	content := bytes.Repeat([]byte{0xA5}, ChunkSize+100)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), content, 0644))

	p := &fakePeer{}
	srv := buildServer(t, []string{root}, filepath.Join(t.TempDir(), "meta.db"), p, testSourceKeys(t))

	require.NoError(t, srv.Serve(context.Background()))

	require.Len(t, p.chunks, 2)
	assert.Len(t, p.chunks[0].Data(), ChunkSize)
	assert.Len(t, p.chunks[1].Data(), 100)
	assert.Equal(t, content, p.sentData())
	assert.NotEqual(t, p.chunks[0].Digest(), p.chunks[1].Digest())
}

func TestSecondPassSkipsUnchangedFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.txt"), []byte("stable"), 0644))
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	sourceKey := testSourceKeys(t)

	first := &fakePeer{}
	require.NoError(t, buildServer(t, []string{root}, dbPath, first, sourceKey).Serve(context.Background()))
	require.Len(t, first.chunks, 1)

	second := &fakePeer{}
	require.NoError(t, buildServer(t, []string{root}, dbPath, second, sourceKey).Serve(context.Background()))
	assert.Empty(t, second.chunks, "unchanged file must be skipped without I/O")
	assert.Empty(t, second.descriptors)
}

func TestChangedFileGetsNewVersion(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("v0 content"), 0644))
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	sourceKey := testSourceKeys(t)

	require.NoError(t, buildServer(t, []string{root}, dbPath, &fakePeer{}, sourceKey).Serve(context.Background()))

	grown := []byte("v1 content, now longer")
	require.NoError(t, os.WriteFile(path, grown, 0644))
	p := &fakePeer{}
	require.NoError(t, buildServer(t, []string{root}, dbPath, p, sourceKey).Serve(context.Background()))
	assert.Equal(t, grown, p.sentData())

	st, err := store.Open(dbPath, keys.SystemRandom{})
	require.NoError(t, err)
	change, err := st.CheckShallowChange(context.Background(), fsops.NewShallowInfo(path, uint64(len(grown))))
	require.NoError(t, err)
	assert.False(t, change.Changed)
	assert.Equal(t, uint64(1), change.Partial.Version)
	require.NoError(t, st.Shutdown())
}

func TestChunkSendFailureDoesNotAbortPass(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bbb"), 0644))
	dbPath := filepath.Join(t.TempDir(), "meta.db")

	p := &fakePeer{chunkErr: errors.New("sink unreachable")}
	require.NoError(t, buildServer(t, []string{root}, dbPath, p, testSourceKeys(t)).Serve(context.Background()))

	// Versions were still recorded for both files; delivery is
	// best-effort and the sink catches up on a later pass.
	st, err := store.Open(dbPath, keys.SystemRandom{})
	require.NoError(t, err)
	for _, name := range []string{"a.txt", "b.txt"} {
		change, err := st.CheckShallowChange(context.Background(),
			fsops.NewShallowInfo(filepath.Join(root, name), 3))
		require.NoError(t, err)
		assert.False(t, change.Changed, "%s should have a recorded version", name)
	}
	require.NoError(t, st.Shutdown())
}

func TestDescriptorEncryptionFailureAbortsPass(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.txt"), []byte("data"), 0644))

	_, signing, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	brokenKeys := keys.New(signing, nil)

	srv := buildServer(t, []string{root}, filepath.Join(t.TempDir(), "meta.db"), &fakePeer{}, brokenKeys)
	err = srv.Serve(context.Background())
	assert.ErrorIs(t, err, keys.ErrNoRecipient)
}

func TestFileReadFailureAbortsPass(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := t.TempDir()
	path := filepath.Join(root, "locked.txt")
	require.NoError(t, os.WriteFile(path, []byte("cannot read me"), 0644))
	require.NoError(t, os.Chmod(path, 0000))
	t.Cleanup(func() { os.Chmod(path, 0644) })

	srv := buildServer(t, []string{root}, filepath.Join(t.TempDir(), "meta.db"), &fakePeer{}, testSourceKeys(t))
	assert.Error(t, srv.Serve(context.Background()))
}

func TestPerPathWalkErrorsAreSkipped(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "good.txt"), []byte("fine"), 0644))
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Mkdir(locked, 0000))
	t.Cleanup(func() { os.Chmod(locked, 0755) })

	p := &fakePeer{}
	srv := buildServer(t, []string{root}, filepath.Join(t.TempDir(), "meta.db"), p, testSourceKeys(t))
	require.NoError(t, srv.Serve(context.Background()), "a per-path error must not abort the pass")
	assert.Equal(t, []byte("fine"), p.sentData())
}

func TestFirstTransferDescriptorNamesStoredFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doc.txt")
	content := []byte("first observation")
	require.NoError(t, os.WriteFile(path, content, 0644))
	dbPath := filepath.Join(t.TempDir(), "meta.db")

	p := &fakePeer{}
	require.NoError(t, buildServer(t, []string{root}, dbPath, p, testSourceKeys(t)).Serve(context.Background()))
	require.Len(t, p.descriptors, 1)

	var verified keys.VerifiedDescriptor
	require.NoError(t, keys.Unmarshal(p.descriptors[0].Verified, &verified))
	assert.Equal(t, uint64(0), verified.Version)

	// The descriptor must carry the id the store keeps for this file,
	// so the sink can tie the first transfer to later versions.
	st, err := store.Open(dbPath, keys.SystemRandom{})
	require.NoError(t, err)
	change, err := st.CheckShallowChange(context.Background(),
		fsops.NewShallowInfo(path, uint64(len(content))))
	require.NoError(t, err)
	assert.Equal(t, change.FileID, verified.FileID)
	assert.NotEqual(t, keys.FileID{}, verified.FileID)
	require.NoError(t, st.Shutdown())
}

func TestFailedPassReleasesWalker(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("data"), 0644))
	}

	_, signing, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	brokenKeys := keys.New(signing, nil)

	before := runtime.NumGoroutine()
	srv := buildServer(t, []string{root}, filepath.Join(t.TempDir(), "meta.db"), &fakePeer{}, brokenKeys)
	require.Error(t, srv.Serve(context.Background()))

	// The walker must not stay blocked on its event channel once the
	// pass has aborted.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuilderMissingRequirements(t *testing.T) {
	ctx := context.Background()
	sourceKey := testSourceKeys(t)

	_, err := NewBuilder().Build(ctx)
	assert.ErrorIs(t, err, ErrMissingCrypto)

	_, err = NewBuilder().
		Crypto(keys.SystemRandom{}, sourceKey).
		Build(ctx)
	assert.ErrorIs(t, err, ErrMissingConnection)

	_, err = NewBuilder().
		Crypto(keys.SystemRandom{}, sourceKey).
		Connection(config.ConnectionConfig{SourceID: "src-1"}).
		Build(ctx)
	assert.ErrorIs(t, err, ErrMissingBrokerInfo)
}

func TestBuilderSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Backup.Roots = []string{t.TempDir()}
	cfg.Backup.DataDir = t.TempDir()
	cfg.Connection = config.ConnectionConfig{SourceID: "src-1", Token: "secret"}
	cfg.Broker = config.BrokerConfig{URL: "ws://127.0.0.1:1"}

	srv, err := NewBuilder().
		Settings(cfg).
		Crypto(keys.SystemRandom{}, testSourceKeys(t)).
		Peer(&fakePeer{}).
		Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.Backup.Roots, srv.roots)
	require.NoError(t, srv.store.Shutdown())
}
