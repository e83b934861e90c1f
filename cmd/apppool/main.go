package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/apppool/app/basic"
	"github.com/guseggert/apppool/backend"
	"github.com/guseggert/apppool/gateway"
	"github.com/guseggert/apppool/spawner/local"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "apppool",
		Usage: "spawn application processes and serve requests through them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum level to log. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"APPPOOL_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "spawn an application process and serve HTTP in front of it",
				Flags: []cli.Flag{
					appRootFlag(),
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on.",
						Value: "127.0.0.1:8080",
					},
				},
				Action: serve,
			},
			{
				Name:  "backend",
				Usage: "serve files from the app root over the control socket on fd 3",
				Flags: []cli.Flag{appRootFlag()},
				Action: func(ctx *cli.Context) error {
					logger, err := newLogger(ctx)
					if err != nil {
						return err
					}
					appRoot := ctx.String("app-root")
					s := &backend.Server{
						Log:     logger.Sugar().Named("backend").With("AppRoot", appRoot),
						Handler: http.FileServer(http.Dir(appRoot)),
					}
					return s.Serve(local.ControlFD)
				},
			},
			{
				Name:  "exec",
				Usage: "spawn an application process, run one request through it, and print the response",
				Flags: []cli.Flag{
					appRootFlag(),
					&cli.StringFlag{
						Name:  "method",
						Usage: "The request method.",
						Value: http.MethodGet,
					},
					&cli.StringFlag{
						Name:  "path",
						Usage: "The request path, optionally with a query string.",
						Value: "/",
					},
					&cli.StringFlag{
						Name:  "data",
						Usage: "The request body.",
					},
				},
				Action: execRequest,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func appRootFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "app-root",
		Usage: "The directory of the application.",
		Value: ".",
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func spawn(ctx *cli.Context, logger *zap.Logger) (*local.Spawner, *basic.Instance, error) {
	appRoot, err := filepath.Abs(ctx.String("app-root"))
	if err != nil {
		return nil, nil, fmt.Errorf("resolving app root: %w", err)
	}
	s, err := local.New(
		local.WithLogger(logger.Sugar()),
		local.WithEnv("APPPOOL_LOG_LEVEL="+ctx.String("log-level")),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("building spawner: %w", err)
	}
	instance, err := s.Spawn(context.Background(), appRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("spawning application: %w", err)
	}
	return s, basic.New(instance).WithLogger(logger.Sugar()), nil
}

func cleanup(logger *zap.Logger, s *local.Spawner) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Cleanup(ctx); err != nil {
		logger.Sugar().Warnf("error cleaning up application processes: %s", err)
	}
}

func serve(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	s, instance, err := spawn(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup(logger, s)

	gw, err := gateway.New(
		instance.Instance,
		gateway.WithLogger(logger),
		gateway.WithListenAddr(ctx.String("listen-addr")),
	)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(sigCtx)
	group.Go(gw.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		return gw.Stop()
	})
	return group.Wait()
}

func execRequest(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	s, instance, err := spawn(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup(logger, s)

	path, query, _ := strings.Cut(ctx.String("path"), "?")
	data := ctx.String("data")
	headers := map[string]string{
		"REQUEST_METHOD":  ctx.String("method"),
		"SERVER_PROTOCOL": "HTTP/1.1",
		"PATH_INFO":       path,
	}
	if query != "" {
		headers["QUERY_STRING"] = query
	}
	if data != "" {
		headers["CONTENT_LENGTH"] = fmt.Sprint(len(data))
	}

	resp, err := instance.Do(headers, strings.NewReader(data))
	if err != nil {
		return err
	}

	fmt.Printf("%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			fmt.Printf("%s: %s\n", name, v)
		}
	}
	fmt.Println()
	os.Stdout.Write(resp.Body)
	return nil
}
