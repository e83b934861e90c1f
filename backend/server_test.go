package backend

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/guseggert/apppool/app"
	"github.com/guseggert/apppool/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func echoHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Test", r.Header.Get("X-Test"))
		w.Header().Set("X-Host", r.Host)
		w.Header().Set("X-Query", r.URL.RawQuery)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "got %s", b)
	})
	return mux
}

func startServer(t *testing.T) *app.Instance {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	s := &Server{Log: l.Sugar(), Handler: echoHandler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(fds[1])
		unix.Close(fds[1])
	}()

	a := app.New("/srv/app", 1, fds[0])
	t.Cleanup(func() {
		require.NoError(t, a.Close())
		// the server returns cleanly once the control socket is closed
		require.NoError(t, <-errCh)
	})
	return a
}

func do(t *testing.T, a *app.Instance, headers map[string]string, body string) *http.Response {
	sess, err := a.Connect(nil)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	block, err := app.EncodeHeaders(headers)
	require.NoError(t, err)
	require.NoError(t, sess.SendHeaders(block))
	if body != "" {
		require.NoError(t, sess.SendBodyBlock([]byte(body)))
	}
	require.NoError(t, sess.CloseWriter())

	resp, err := http.ReadResponse(bufio.NewReader(channel.New(sess.Reader())), nil)
	require.NoError(t, err)
	return resp
}

func TestServe(t *testing.T) {
	a := startServer(t)

	resp := do(t, a, map[string]string{
		"REQUEST_METHOD":  "POST",
		"SERVER_PROTOCOL": "HTTP/1.1",
		"PATH_INFO":       "/echo",
		"QUERY_STRING":    "a=b",
		"CONTENT_LENGTH":  "5",
		"HTTP_HOST":       "example.com",
		"HTTP_X_TEST":     "yes",
	}, "hello")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "POST", resp.Header.Get("X-Method"))
	assert.Equal(t, "yes", resp.Header.Get("X-Test"))
	assert.Equal(t, "example.com", resp.Header.Get("X-Host"))
	assert.Equal(t, "a=b", resp.Header.Get("X-Query"))

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "got hello", string(b))
}

func TestServeSequentialSessions(t *testing.T) {
	a := startServer(t)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf("request %d", i)
		resp := do(t, a, map[string]string{
			"REQUEST_METHOD":  "PUT",
			"SERVER_PROTOCOL": "HTTP/1.1",
			"PATH_INFO":       "/echo",
		}, body)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "got "+body, string(b))
	}
}

func TestServeNotFound(t *testing.T) {
	a := startServer(t)

	resp := do(t, a, map[string]string{
		"REQUEST_METHOD":  "GET",
		"SERVER_PROTOCOL": "HTTP/1.1",
		"PATH_INFO":       "/missing",
	}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeBadRequest(t *testing.T) {
	a := startServer(t)

	// no REQUEST_METHOD
	resp := do(t, a, map[string]string{
		"SERVER_PROTOCOL": "HTTP/1.1",
		"PATH_INFO":       "/echo",
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
