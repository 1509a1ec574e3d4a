package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	calls int
	got   time.Duration
	n     int64
	err   error
}

func (f *fakePruner) PruneTerminal(_ context.Context, olderThan time.Duration) (int64, error) {
	f.calls++
	f.got = olderThan
	return f.n, f.err
}

type fakeExpirer struct {
	calls int
	n     int64
}

func (f *fakeExpirer) ExpireStale(context.Context) (int64, error) {
	f.calls++
	return f.n, nil
}

func TestSweepCallsAllPolicies(t *testing.T) {
	pruner := &fakePruner{n: 4}
	expirer := &fakeExpirer{n: 2}
	svc := NewService(Config{JobRetention: 48 * time.Hour}, pruner, expirer, "")

	svc.Sweep(context.Background())

	assert.Equal(t, 1, pruner.calls)
	assert.Equal(t, 48*time.Hour, pruner.got)
	assert.Equal(t, 1, expirer.calls)
}

func TestSweepSurvivesPrunerError(t *testing.T) {
	pruner := &fakePruner{err: errors.New("db down")}
	expirer := &fakeExpirer{}
	svc := NewService(Config{}, pruner, expirer, "")

	svc.Sweep(context.Background())

	// The session sweep still ran.
	assert.Equal(t, 1, expirer.calls)
}

func TestPruneBuffersRemovesStaleDirs(t *testing.T) {
	root := t.TempDir()

	stale := filepath.Join(root, "job-old")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "session-001.jsonl"), []byte("{}\n"), 0o644))
	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(stale, "session-001.jsonl"), old, old))
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(root, "job-fresh")
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fresh, "session-001.jsonl"), []byte("{}\n"), 0o644))

	svc := NewService(Config{BufferRetention: 72 * time.Hour}, nil, nil, root)
	svc.Sweep(context.Background())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale buffer dir should be removed")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh buffer dir should survive")
}

func TestPruneBuffersKeepsDirWithRecentFile(t *testing.T) {
	root := t.TempDir()

	dir := filepath.Join(root, "job-mixed")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session-001.jsonl"), []byte("{}\n"), 0o644))
	// Directory mtime is old, but the file inside is recent.
	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	svc := NewService(Config{BufferRetention: 72 * time.Hour}, nil, nil, root)
	svc.Sweep(context.Background())

	_, err := os.Stat(dir)
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	pruner := &fakePruner{}
	svc := NewService(Config{Interval: time.Hour}, pruner, nil, "")

	svc.Start(context.Background())
	svc.Stop()

	// The initial sweep ran before Stop returned.
	assert.Equal(t, 1, pruner.calls)

	// Stop is idempotent on a stopped service.
	svc.Stop()
}
