package apppool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/apppool/app/basic"
	"github.com/guseggert/apppool/backend"
	"github.com/guseggert/apppool/gateway"
	"github.com/guseggert/apppool/spawner/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const helperEnv = "APPPOOL_TEST_BACKEND"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		appRoot := os.Args[len(os.Args)-1]
		s := &backend.Server{Handler: http.FileServer(http.Dir(appRoot))}
		if err := s.Serve(local.ControlFD); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestServeFilesThroughGateways(t *testing.T) {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	log := l.Sugar()

	s, err := local.New(
		local.WithCommand(os.Args[0]),
		local.WithEnv(helperEnv+"=1"),
		local.WithLogger(log),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, s.Cleanup(ctx))
	})

	// In parallel, spawn an application per directory and fetch its file back through a gateway.
	group, groupCtx := errgroup.WithContext(context.Background())
	for i := 0; i < 3; i++ {
		i := i
		appRoot := t.TempDir()
		contents := fmt.Sprintf("hello from app %d", i)
		require.NoError(t, os.WriteFile(filepath.Join(appRoot, "hello"), []byte(contents), 0644))

		group.Go(func() error {
			instance, err := s.Spawn(context.Background(), appRoot)
			if err != nil {
				return err
			}

			// direct session
			resp, err := basic.New(instance).WithLogger(log).Get("/hello")
			if err != nil {
				return err
			}
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, contents, string(resp.Body))

			// through a gateway
			gw, err := gateway.New(instance, gateway.WithLogger(l))
			if err != nil {
				return err
			}
			server := httptest.NewServer(gw.Handler())
			defer server.Close()

			client := gateway.NewClient(log, server.URL)
			httpResp, err := client.Get(groupCtx, "/hello")
			if err != nil {
				return err
			}
			defer httpResp.Body.Close()
			b, err := io.ReadAll(httpResp.Body)
			if err != nil {
				return err
			}
			assert.Equal(t, http.StatusOK, httpResp.StatusCode)
			assert.Equal(t, contents, string(b))

			status, err := client.Status(groupCtx)
			if err != nil {
				return err
			}
			assert.Equal(t, appRoot, status.AppRoot)
			assert.Equal(t, instance.PID(), status.PID)
			return nil
		})
	}
	err = group.Wait()
	if err != nil {
		t.Fatal(err)
	}
}
