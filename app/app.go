package app

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/apppool/channel"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Instance is one running application process, reached through its control socket.
type Instance struct {
	log *zap.SugaredLogger

	appRoot string
	pid     int
	control int
	data    *sharedState

	// connectMut serializes handshakes on the control socket, and guards its descriptor.
	connectMut sync.Mutex
	closed     atomic.Bool

	lastUsedMut sync.Mutex
	lastUsed    time.Time
}

type Option func(a *Instance)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Instance) {
		a.log = l
	}
}

// New creates an Instance for the process pid serving appRoot. control must be a connected
// stream socket to that process; the Instance takes ownership of it.
func New(appRoot string, pid int, control int, opts ...Option) *Instance {
	a := &Instance{
		log:      zap.NewNop().Sugar(),
		appRoot:  appRoot,
		pid:      pid,
		control:  control,
		data:     &sharedState{},
		lastUsed: time.Now(),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.Named("instance").With("pid", pid)
	a.log.Debugw("instance created", "AppRoot", appRoot)
	return a
}

// AppRoot returns the application root the process serves.
func (a *Instance) AppRoot() string { return a.appRoot }

// PID returns the process ID of the application process.
func (a *Instance) PID() int { return a.pid }

// Sessions returns the number of currently open sessions.
func (a *Instance) Sessions() uint32 { return a.data.sessions.Load() }

// LastUsed returns the value last given to SetLastUsed, or the creation time.
func (a *Instance) LastUsed() time.Time {
	a.lastUsedMut.Lock()
	defer a.lastUsedMut.Unlock()
	return a.lastUsed
}

// SetLastUsed records when the instance was last used, for idle tracking by the owner.
func (a *Instance) SetLastUsed(t time.Time) {
	a.lastUsedMut.Lock()
	defer a.lastUsedMut.Unlock()
	a.lastUsed = t
}

// Connect opens a new session with the process. onClose, which may be nil, is called
// when the session is closed.
//
// An application process handles one session at a time. The previous session must be
// closed before calling Connect again, otherwise the process may never answer and
// Connect blocks forever.
func (a *Instance) Connect(onClose CloseCallback) (Session, error) {
	a.connectMut.Lock()
	defer a.connectMut.Unlock()
	if a.closed.Load() {
		return nil, ErrInstanceClosed
	}

	if err := a.sendProbe(); err != nil {
		return nil, &ConnectError{Step: StepProbe, Err: err}
	}

	ch := channel.New(a.control)
	reader, err := ch.ReadFileDescriptor()
	if err != nil {
		return nil, &ConnectError{Step: StepReceiveReader, Err: err}
	}
	writer, err := ch.ReadFileDescriptor()
	if err != nil {
		unix.Close(reader)
		return nil, &ConnectError{Step: StepReceiveWriter, Err: err}
	}

	a.log.Debugw("session opened", "Reader", reader, "Writer", writer)
	return newStandardSession(a.data, onClose, reader, writer), nil
}

func (a *Instance) sendProbe() error {
	probe := []byte{0}
	for {
		n, err := unix.Write(a.control, probe)
		if err == unix.EINTR || (err == nil && n == 0) {
			continue
		}
		if err != nil {
			return &channel.SystemError{Op: "write probe", Errno: errnoOf(err)}
		}
		return nil
	}
}

// Close closes the control socket. Sessions already handed out are not affected.
// A Connect blocked on an unresponsive process fails with ErrPeerClosed instead of holding Close up.
func (a *Instance) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	// wakes a handshake blocked in the probe write or in Recvmsg
	unix.Shutdown(a.control, unix.SHUT_RDWR)

	a.connectMut.Lock()
	defer a.connectMut.Unlock()
	err := unix.Close(a.control)
	a.log.Debugw("instance destroyed", "Error", err)
	return err
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}
