package local

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/apppool/app"
	"github.com/guseggert/apppool/backend"
	"github.com/guseggert/apppool/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const helperEnv = "APPPOOL_TEST_BACKEND"

// TestMain doubles as the application process when the test binary is re-executed by a Spawner.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "hang":
		// never reads the control socket
		time.Sleep(time.Hour)
		os.Exit(0)
	case "1":
		appRoot := os.Args[len(os.Args)-1]
		s := &backend.Server{Handler: http.FileServer(http.Dir(appRoot))}
		if err := s.Serve(ControlFD); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestSpawner(t *testing.T) *Spawner {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	s, err := New(
		WithCommand(os.Args[0]),
		WithEnv(helperEnv+"=1"),
		WithLogger(l.Sugar()),
	)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, instance *app.Instance, path string) (int, string) {
	sess, err := instance.Connect(nil)
	require.NoError(t, err)
	defer sess.Close()

	block, err := app.EncodeHeaders(map[string]string{
		"REQUEST_METHOD":  "GET",
		"SERVER_PROTOCOL": "HTTP/1.1",
		"PATH_INFO":       path,
	})
	require.NoError(t, err)
	require.NoError(t, sess.SendHeaders(block))
	require.NoError(t, sess.CloseWriter())

	resp, err := http.ReadResponse(bufio.NewReader(channel.New(sess.Reader())), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestSpawn(t *testing.T) {
	appRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appRoot, "hello.txt"), []byte("hello world"), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := newTestSpawner(t)
	instance, err := s.Spawn(ctx, appRoot)
	require.NoError(t, err)

	assert.Equal(t, appRoot, instance.AppRoot())
	assert.NotZero(t, instance.PID())

	for i := 0; i < 2; i++ {
		code, body := get(t, instance, "/hello.txt")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "hello world", body)
	}

	code, _ := get(t, instance, "/missing.txt")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, uint32(0), instance.Sessions())

	require.NoError(t, s.Cleanup(ctx))

	_, err = instance.Connect(nil)
	assert.ErrorIs(t, err, app.ErrInstanceClosed)
}

func TestSpawnMultiple(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := newTestSpawner(t)
	var instances []*app.Instance
	for i := 0; i < 3; i++ {
		appRoot := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(appRoot, "id"), []byte{byte('a' + i)}, 0644))
		instance, err := s.Spawn(ctx, appRoot)
		require.NoError(t, err)
		instances = append(instances, instance)
	}

	for i, instance := range instances {
		code, body := get(t, instance, "/id")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, string([]byte{byte('a' + i)}), body)
	}

	require.NoError(t, s.Cleanup(ctx))
}

func TestSpawnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestSpawner(t).Spawn(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpawnOutlivesContext(t *testing.T) {
	appRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appRoot, "a"), []byte("still here"), 0644))

	s := newTestSpawner(t)
	ctx, cancel := context.WithCancel(context.Background())
	instance, err := s.Spawn(ctx, appRoot)
	require.NoError(t, err)
	cancel()

	code, body := get(t, instance, "/a")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "still here", body)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cleanupCancel()
	require.NoError(t, s.Cleanup(cleanupCtx))
}

func TestCleanupKillsUnresponsiveProcess(t *testing.T) {
	s, err := New(WithCommand(os.Args[0]), WithEnv(helperEnv+"=hang"))
	require.NoError(t, err)
	instance, err := s.Spawn(context.Background(), t.TempDir())
	require.NoError(t, err)

	connectErr := make(chan error, 1)
	go func() {
		_, err := instance.Connect(nil)
		connectErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cleaned := make(chan error, 1)
	go func() { cleaned <- s.Cleanup(ctx) }()

	select {
	case err := <-cleaned:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Cleanup did not kill the process")
	}
	select {
	case err := <-connectErr:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after Cleanup")
	}
}

func TestSpawnMissingCommand(t *testing.T) {
	s, err := New(WithCommand(filepath.Join(t.TempDir(), "nope")))
	require.NoError(t, err)
	_, err = s.Spawn(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestNewMissingBinary(t *testing.T) {
	_, err := New(WithBinary("definitely-not-an-apppool-binary"))
	assert.ErrorContains(t, err, "unable to find")
}
