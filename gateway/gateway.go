package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/apppool/app"
	"github.com/guseggert/apppool/channel"
	"github.com/guseggert/apppool/gateway/stream"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Gateway is an HTTP server in front of one application instance.
// Requests are turned into sessions, one at a time, and the application's responses are copied back.
type Gateway struct {
	logger   *zap.SugaredLogger
	instance *app.Instance

	listenAddr string

	httpServer   *http.Server
	streamServer *stream.Server

	// sem holds a token while a session is open
	sem chan struct{}
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logger = g.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// Status describes the instance behind a gateway.
type Status struct {
	AppRoot  string
	PID      int
	Sessions uint32
	// LastUsed is RFC3339 with nanoseconds: when the last session was closed, or when the instance was created.
	LastUsed string
}

func New(instance *app.Instance, opts ...Option) (*Gateway, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	g := &Gateway{
		logger:     logger.Named("gateway").Sugar(),
		instance:   instance,
		listenAddr: "127.0.0.1:8080",
		sem:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(g)
	}
	g.streamServer = &stream.Server{Log: g.logger.Named("stream_server"), Connect: g.connect}
	g.httpServer = &http.Server{Handler: g.Handler()}
	return g, nil
}

// Handler returns the gateway's routes.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/_status", g.status)
	router.GET("/_session", g.session)
	router.NotFound = http.HandlerFunc(g.proxy)
	router.HandleMethodNotAllowed = false
	return router
}

// Run serves HTTP on the listen address and returns once the gateway has stopped.
func (g *Gateway) Run() error {
	l, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	g.logger.Infow("gateway listening", "Addr", l.Addr().String(), "AppRoot", g.instance.AppRoot())
	err = g.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) Stop() error {
	return g.httpServer.Close()
}

// connect waits for the instance to be free, then opens a session with it.
// The instance is free again once the session is closed.
func (g *Gateway) connect(ctx context.Context) (app.Session, error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	sess, err := g.instance.Connect(func(app.Session) {
		g.instance.SetLastUsed(time.Now())
		<-g.sem
	})
	if err != nil {
		<-g.sem
		return nil, err
	}
	return sess, nil
}

func (g *Gateway) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s := Status{
		AppRoot:  g.instance.AppRoot(),
		PID:      g.instance.PID(),
		Sessions: g.instance.Sessions(),
		LastUsed: g.instance.LastUsed().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(s)
	if err != nil {
		g.logger.Debugf("error marshaling status response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (g *Gateway) session(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.streamServer.ServeHTTP(w, r)
}

// proxy runs a request through a session. The request body is streamed to the application
// while its response is read, and the response is copied back once its head has been parsed.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request) {
	log := g.logger.With("RequestID", uuid.NewString())
	log.Debugw("proxying request", "Method", r.Method, "URL", r.URL.String())

	block, err := app.EncodeHeaders(cgiHeaders(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := g.connect(r.Context())
	if err != nil {
		log.Debugf("error connecting: %s", err)
		http.Error(w, "application unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sess.Close()

	if err := sess.SendHeaders(block); err != nil {
		log.Debugf("error sending headers: %s", err)
		http.Error(w, "application unavailable", http.StatusBadGateway)
		return
	}

	// The body is copied while the response is read: an application that answers before reading
	// all of its input would otherwise deadlock both pipes. Once the response head is written,
	// net/http before Go 1.21 stops serving reads of the request body, so the copy fails there.
	// That only drops input the application has already answered without.
	var eg errgroup.Group
	eg.Go(func() error {
		defer sess.CloseWriter()
		if r.Body == nil {
			return nil
		}
		_, err := io.Copy(&bodyWriter{sess: sess}, r.Body)
		return err
	})

	err = g.copyResponse(w, sess)
	if err != nil {
		log.Debugf("error copying response: %s", err)
	}
	if err := eg.Wait(); err != nil {
		log.Debugf("request body not fully sent: %s", err)
	}
}

func (g *Gateway) copyResponse(w http.ResponseWriter, sess app.Session) error {
	resp, err := http.ReadResponse(bufio.NewReader(channel.New(sess.Reader())), nil)
	if err != nil {
		http.Error(w, "invalid response from application", http.StatusBadGateway)
		return fmt.Errorf("reading response: %w", err)
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if hopHeaders[name] {
			continue
		}
		w.Header()[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}

type bodyWriter struct {
	sess app.Session
}

func (b *bodyWriter) Write(p []byte) (int, error) {
	if err := b.sess.SendBodyBlock(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
