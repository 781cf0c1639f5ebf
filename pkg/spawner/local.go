package spawner

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"
)

// LocalProcessSpawner runs the single-user server as a child process on the
// hub host. State blob: {"pid": <int>, "ip": <string>, "port": <int>}.
type LocalProcessSpawner struct {
	opts    Options
	command []string
	log     *logrus.Entry

	pid  int
	ip   string
	port int
}

// NewLocalProcessSpawner builds a local spawner. command is the argv of the
// single-user server; the listen address is appended as --ip/--port flags.
func NewLocalProcessSpawner(opts Options, command []string) *LocalProcessSpawner {
	return &LocalProcessSpawner{
		opts:    opts,
		command: command,
		log: logrus.WithFields(logrus.Fields{
			"spawner": "local",
			"user":    opts.Username,
		}),
	}
}

// NewLocalFactory returns a Factory producing LocalProcessSpawners running
// the given command
func NewLocalFactory(command []string) Factory {
	return func(opts Options) (Spawner, error) {
		if len(command) == 0 {
			return nil, fmt.Errorf("%w: no single-user server command configured", ErrSpawnFailed)
		}
		return NewLocalProcessSpawner(opts, command), nil
	}
}

// Start launches the child process on a free local port
func (s *LocalProcessSpawner) Start(_ context.Context) (string, int, error) {
	port, err := freePort()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	ip := "127.0.0.1"
	argv := append([]string{}, s.command...)
	argv = append(argv,
		fmt.Sprintf("--ip=%s", ip),
		fmt.Sprintf("--port=%d", port),
	)

	// Deliberately not CommandContext: the child must outlive the spawn
	// request even if the surrounding HTTP request is aborted
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), s.opts.Environ()...)
	cmd.Stdout = s.log.WriterLevel(logrus.InfoLevel)
	cmd.Stderr = s.log.WriterLevel(logrus.WarnLevel)
	// Own process group so the hub's signals don't reach the child
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s.pid = cmd.Process.Pid
	s.ip = ip
	s.port = port
	s.log.WithFields(logrus.Fields{"pid": s.pid, "port": port}).Info("started single-user server")

	// Reap the child when it exits
	go func() {
		if err := cmd.Wait(); err != nil {
			s.log.WithError(err).Warn("single-user server exited")
		}
	}()

	return ip, port, nil
}

// GetState returns the blob persisted across hub restarts
func (s *LocalProcessSpawner) GetState() map[string]any {
	return map[string]any{
		"pid":  s.pid,
		"ip":   s.ip,
		"port": s.port,
	}
}

// LoadState restores a persisted blob
func (s *LocalProcessSpawner) LoadState(state map[string]any) {
	if pid, ok := state["pid"].(float64); ok {
		s.pid = int(pid)
	}
	if ip, ok := state["ip"].(string); ok {
		s.ip = ip
	}
	if port, ok := state["port"].(float64); ok {
		s.port = int(port)
	}
}

// Stop signals the child's process group
func (s *LocalProcessSpawner) Stop(_ context.Context) error {
	if s.pid == 0 {
		return ErrNotRunning
	}
	if err := syscall.Kill(-s.pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop single-user server pid %d: %w", s.pid, err)
	}
	s.log.WithField("pid", s.pid).Info("stopped single-user server")
	s.pid = 0
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
