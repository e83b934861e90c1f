package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/apppool/app"
	"github.com/guseggert/apppool/internal/files"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ControlFD is the descriptor number of the control socket in spawned processes.
const ControlFD = 3

// Spawner runs application processes as children of the current process.
// Each child gets one end of a socketpair as fd 3, which becomes the Instance's control socket.
// These processes are not sandboxed, so they can see each other and everything else on the host.
type Spawner struct {
	log *zap.SugaredLogger

	binary  string
	command string
	args    []string
	env     []string

	mut   sync.Mutex
	procs []*proc
}

type proc struct {
	instance *app.Instance
	cmd      *exec.Cmd
	exited   chan struct{}
	err      error
}

type Option func(s *Spawner)

// WithCommand sets the command to run for each application process. The application root is
// appended to args as the last argument.
func WithCommand(command string, args ...string) Option {
	return func(s *Spawner) {
		s.command = command
		s.args = args
	}
}

// WithBinary runs the backend command of the named binary, found by searching the working
// directory and its parents.
func WithBinary(name string) Option {
	return func(s *Spawner) {
		s.binary = name
	}
}

// WithEnv adds environment variables, in "KEY=value" form, to spawned processes.
func WithEnv(env ...string) Option {
	return func(s *Spawner) {
		s.env = append(s.env, env...)
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Spawner) {
		s.log = l.Named("local_spawner")
	}
}

// New builds a Spawner. By default it runs the current executable with the "backend" command.
func New(opts ...Option) (*Spawner, error) {
	s := &Spawner{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(s)
	}
	if s.command != "" {
		return s, nil
	}
	if s.binary != "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting wd: %w", err)
		}
		bin, err := files.FindUp(s.binary, wd)
		if err != nil {
			return nil, fmt.Errorf("finding %s binary: %w", s.binary, err)
		}
		if bin == "" {
			return nil, fmt.Errorf("unable to find %s binary", s.binary)
		}
		s.command = bin
	} else {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("finding executable: %w", err)
		}
		s.command = exe
	}
	s.args = []string{"backend", "--app-root"}
	return s, nil
}

// Spawn starts a process for appRoot. ctx only bounds starting it: the process runs until
// Cleanup, or until it exits on its own.
func (s *Spawner) Spawn(ctx context.Context, appRoot string) (*app.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// ExtraFiles clears close-on-exec on the child's copy
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating control socketpair: %w", err)
	}
	childFile := os.NewFile(uintptr(fds[1]), "control-child")

	args := append(append([]string{}, s.args...), appRoot)
	cmd := exec.Command(s.command, args...)
	cmd.Dir = appRoot
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// ExtraFiles[0] becomes fd 3 in the child
	cmd.ExtraFiles = []*os.File{childFile}

	err = cmd.Start()
	childFile.Close()
	if err != nil {
		unix.Close(fds[0])
		return nil, fmt.Errorf("starting %s: %w", s.command, err)
	}

	instance := app.New(appRoot, cmd.Process.Pid, fds[0], app.WithLogger(s.log))
	p := &proc{instance: instance, cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
		s.log.Debugw("application process exited", "PID", cmd.Process.Pid, "Error", p.err)
	}()

	s.mut.Lock()
	s.procs = append(s.procs, p)
	s.mut.Unlock()

	s.log.Debugw("spawned application process", "PID", cmd.Process.Pid, "AppRoot", appRoot)
	return instance, nil
}

// Cleanup closes all instances, which makes the processes exit, and waits for them.
// Processes still running when ctx is done are killed.
func (s *Spawner) Cleanup(ctx context.Context) error {
	s.mut.Lock()
	procs := s.procs
	s.procs = nil
	s.mut.Unlock()

	var err error
	for _, p := range procs {
		if closeErr := p.instance.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("closing instance %d: %w", p.instance.PID(), closeErr))
		}
	}
	for _, p := range procs {
		select {
		case <-p.exited:
		case <-ctx.Done():
			s.log.Debugf("killing process %d: %s", p.cmd.Process.Pid, ctx.Err())
			p.cmd.Process.Kill()
			select {
			case <-p.exited:
			case <-time.After(5 * time.Second):
				err = multierr.Append(err, fmt.Errorf("process %d did not exit after kill", p.cmd.Process.Pid))
			}
		}
	}
	return err
}
