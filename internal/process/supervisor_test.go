//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodevisor/internal/detector"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) on(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newShell(t *testing.T, rec *recorder, minAlive time.Duration) *Supervisor {
	t.Helper()
	s := New(Config{
		Name:             "sh-test",
		Binary:           "/bin/sh",
		Detector:         detector.MustPattern("listening on "),
		MinAlive:         minAlive,
		PollInterval:     20 * time.Millisecond,
		PortReleaseDelay: 10 * time.Millisecond,
		KillWait:         2 * time.Second,
		OnEvent:          rec.on,
	})
	t.Cleanup(s.Kill)
	return s
}

func script(s string) []string { return []string{"-c", s} }

func TestSpawn_ReadyEarlyAndKill(t *testing.T) {
	rec := &recorder{}
	s := newShell(t, rec, 5*time.Second)

	start := time.Now()
	require.NoError(t, s.Spawn(os.Environ(), script(`echo "api listening on 127.0.0.1:1"; exec sleep 30`), ""))
	assert.Less(t, time.Since(start), 3*time.Second, "readiness should end the watchdog early")
	assert.True(t, s.IsRunning())
	assert.True(t, s.IsReady())
	assert.Greater(t, s.PID(), 0)

	s.Kill()
	assert.False(t, s.IsRunning())
	assert.Equal(t, 0, s.PID())
	assert.Equal(t, []EventKind{Started, Stopped}, rec.kinds())
}

func TestSpawn_Idempotent(t *testing.T) {
	rec := &recorder{}
	s := newShell(t, rec, 5*time.Second)
	require.NoError(t, s.Spawn(os.Environ(), script(`echo "listening on x"; exec sleep 30`), ""))
	pid := s.PID()

	require.NoError(t, s.Spawn(os.Environ(), script(`echo "listening on y"; exec sleep 30`), ""))
	assert.Equal(t, pid, s.PID(), "second spawn must not start another process")
	assert.Equal(t, []EventKind{Started}, rec.kinds())
}

func TestSpawn_CrashBeforeMinAlive(t *testing.T) {
	rec := &recorder{}
	s := newShell(t, rec, 3*time.Second)

	err := s.Spawn(os.Environ(), script(`echo "bad config"; exit 3`), "")
	require.Error(t, err)
	var ce *CrashError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "sh-test", ce.Process)
	assert.Less(t, ce.After, 3*time.Second)
	joined := strings.Join(messages(ce.Logs), "\n")
	assert.Contains(t, joined, "bad config")
	assert.Contains(t, joined, "process terminated with code 3")
	require.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []EventKind{Stopped}, rec.kinds())
}

func TestSpawn_SurvivesWindowWithoutReadiness(t *testing.T) {
	rec := &recorder{}
	s := newShell(t, rec, 200*time.Millisecond)
	require.NoError(t, s.Spawn(os.Environ(), script(`exec sleep 30`), ""))
	assert.True(t, s.IsRunning())
	assert.False(t, s.IsReady())
}

func TestKill_NothingRunning(t *testing.T) {
	rec := &recorder{}
	s := newShell(t, rec, time.Second)
	s.Kill()
	s.Kill()
	assert.Empty(t, rec.kinds())
}

func TestKill_Twice_SingleStopped(t *testing.T) {
	rec := &recorder{}
	s := newShell(t, rec, 5*time.Second)
	require.NoError(t, s.Spawn(os.Environ(), script(`sleep 30 & echo "listening on z"; wait`), ""))
	s.Kill()
	s.Kill()
	assert.Equal(t, []EventKind{Started, Stopped}, rec.kinds())
}

func TestExitAfterReady_PublishesStopped(t *testing.T) {
	rec := &recorder{}
	s := newShell(t, rec, 5*time.Second)
	require.NoError(t, s.Spawn(os.Environ(), script(`echo "listening on q"; sleep 0.3; exit 0`), ""))
	require.Eventually(t, func() bool { return !s.IsRunning() }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.kinds()) == 2 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []EventKind{Started, Stopped}, rec.kinds())
	logs := messages(s.LastNLogs(0))
	assert.Equal(t, "process terminated with code 0", logs[len(logs)-1])
}

func TestSpawn_EnvWorkDirAndOutput(t *testing.T) {
	dir := t.TempDir()
	out := &syncBuffer{}
	s := New(Config{
		Name:             "env-test",
		Binary:           "/bin/sh",
		MinAlive:         100 * time.Millisecond,
		PortReleaseDelay: time.Millisecond,
		Output:           out,
	})
	t.Cleanup(s.Kill)

	env := append(os.Environ(), "NODE_API_PORT=9550")
	require.NoError(t, s.Spawn(env, script(`echo "port=$NODE_API_PORT"; pwd; exec sleep 30`), dir))

	wantDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got := strings.Join(messages(s.LastNLogs(0)), "\n")
		return strings.Contains(got, "port=9550") && strings.Contains(got, wantDir)
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), "port=9550\n")
	assert.Equal(t, "env-test", s.Status().Name)
	assert.True(t, s.Status().Running)
}

func TestSpawn_KilledDuringWatchdog(t *testing.T) {
	rec := &recorder{}
	s := newShell(t, rec, 5*time.Second)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Spawn(os.Environ(), script(`exec sleep 30`), "") }()

	require.Eventually(t, s.IsRunning, 3*time.Second, 10*time.Millisecond)
	s.Kill()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrKilled)
	case <-time.After(5 * time.Second):
		t.Fatal("spawn did not return after kill")
	}
	assert.Equal(t, []EventKind{Stopped}, rec.kinds())
}

func TestWhileStopped_BlocksSpawn(t *testing.T) {
	rec := &recorder{}
	s := newShell(t, rec, 100*time.Millisecond)
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WhileStopped(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	spawned := make(chan error, 1)
	go func() { spawned <- s.Spawn(os.Environ(), script(`exec sleep 30`), "") }()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.IsRunning(), "spawn must wait for WhileStopped")

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-spawned)
	assert.True(t, s.IsRunning())

	called := false
	err := s.WhileStopped(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrRunning)
	assert.False(t, called)
}

func TestSpawn_NoBinary(t *testing.T) {
	s := New(Config{Name: "empty"})
	require.ErrorIs(t, s.Spawn(nil, nil, ""), ErrNoBinary)
}

func TestSpawn_MissingBinary(t *testing.T) {
	s := New(Config{Name: "missing", Binary: filepath.Join(t.TempDir(), "does-not-exist")})
	err := s.Spawn(nil, nil, "")
	require.Error(t, err)
	assert.False(t, IsCrashErr(err))
	assert.False(t, s.IsRunning())
}

func TestSpawn_ReadyFileDetector(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ready")
	s := New(Config{
		Name:             "file-test",
		Binary:           "/bin/sh",
		Detector:         detector.NewReadyFile(marker),
		MinAlive:         5 * time.Second,
		PollInterval:     20 * time.Millisecond,
		PortReleaseDelay: time.Millisecond,
	})
	t.Cleanup(s.Kill)
	start := time.Now()
	require.NoError(t, s.Spawn(os.Environ(), script(`touch "`+marker+`"; exec sleep 30`), ""))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, s.IsReady())
}
