// Package browser launches and supervises a headless browser process exposing
// a remote-debugging port.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dgnsrekt/cdpmux/internal/cdperr"
	"github.com/dgnsrekt/cdpmux/internal/devtools"
	"github.com/dgnsrekt/cdpmux/internal/metrics"
	"github.com/dgnsrekt/cdpmux/internal/netutil"
)

const (
	DefaultBinary          = "chromium"
	DefaultHost            = "localhost"
	DefaultShutdownTimeout = 5 * time.Second

	// ReadyAttempts is how many times the tab list is fetched after launch
	// before the last connect failure is returned.
	ReadyAttempts = 10
	ReadyInterval = time.Second

	// OutputGrace bounds how long output is still collected after the browser
	// exits. Children that inherited its stdout or stderr can hold them open
	// indefinitely.
	OutputGrace = 250 * time.Millisecond
)

// Config holds browser launch configuration.
type Config struct {
	Binary    string
	Host      string
	Port      int // 0 allocates from Ports
	ExtraArgs []string

	Ports      *netutil.PortRegistry
	HTTPClient *http.Client

	ReadyAttempts int
	ReadyInterval time.Duration
}

// Supervisor owns one browser process and the debug port it listens on.
type Supervisor struct {
	cfg    Config
	client *devtools.Client

	port   int
	cmd    *exec.Cmd
	stdout outputBuffer
	stderr outputBuffer

	exited   chan struct{}
	diedOnce sync.Once

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewSupervisor returns a supervisor for cfg. Nothing is started until Launch.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Ports == nil {
		cfg.Ports = netutil.SharedPorts
	}
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = ReadyAttempts
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = ReadyInterval
	}
	return &Supervisor{cfg: cfg}
}

// ResolveBinary returns an executable path for name: the path itself when it
// names an existing file, otherwise a lookup on PATH.
func ResolveBinary(name string) (string, error) {
	if name == "" {
		name = DefaultBinary
	}
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		return name, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", cdperr.New(cdperr.CodeBinaryNotFound, fmt.Sprintf("browser binary %q not found", name), err)
	}
	return path, nil
}

// Launch claims a debug port, starts the browser and waits until it reports at
// least one tab. Any failure releases the port and stops the process.
func (s *Supervisor) Launch(ctx context.Context) error {
	if s.cmd != nil {
		return cdperr.Newf(cdperr.CodeValidation, "browser already launched (pid %d)", s.PID())
	}
	path, err := ResolveBinary(s.cfg.Binary)
	if err != nil {
		return err
	}
	port, err := s.cfg.Ports.Allocate(s.cfg.Port)
	if err != nil {
		return err
	}
	s.port = port
	s.client = devtools.NewClient(s.cfg.Host, port, s.cfg.HTTPClient)

	args := []string{
		"--headless",
		"--disable-gpu",
		"--remote-debugging-port=" + strconv.Itoa(port),
	}
	args = append(args, s.cfg.ExtraArgs...)

	cmd := exec.Command(path, args...)
	cmd.Stdin = nil
	cmd.Stdout = &s.stdout
	cmd.Stderr = &s.stderr
	cmd.WaitDelay = OutputGrace
	if err := cmd.Start(); err != nil {
		s.cfg.Ports.Release(port)
		s.port = 0
		return cdperr.New(cdperr.CodeStartupFailed, "start browser "+path, err)
	}
	s.cmd = cmd
	s.exited = make(chan struct{})
	go func() {
		err := cmd.Wait()
		if errors.Is(err, exec.ErrWaitDelay) {
			slog.Debug("browser output still held open after exit", "pid", cmd.Process.Pid)
		} else if err != nil {
			slog.Debug("browser process wait", "pid", cmd.Process.Pid, "error", err)
		}
		close(s.exited)
	}()
	metrics.ProcessesLaunched.Inc()
	slog.Info("browser process started", "path", path, "pid", cmd.Process.Pid, "port", port)

	if err := s.waitReady(ctx); err != nil {
		if stopErr := s.Shutdown(DefaultShutdownTimeout); stopErr != nil {
			slog.Warn("browser cleanup after failed launch", "pid", cmd.Process.Pid, "error", stopErr)
		}
		return err
	}
	slog.Info("browser ready", "pid", cmd.Process.Pid, "endpoint", s.client.BaseURL())
	return nil
}

func (s *Supervisor) waitReady(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReadyAttempts; attempt++ {
		if err := s.CheckAlive(); err != nil {
			return err
		}
		tabs, err := s.client.ListTabs(ctx)
		if err == nil {
			if len(tabs) == 0 {
				return cdperr.Newf(cdperr.CodeStartupFailed, "browser on port %d started with no tabs", s.port)
			}
			return nil
		}
		if !cdperr.Retryable(err) {
			return err
		}
		lastErr = err
		slog.Debug("browser not ready", "attempt", attempt, "port", s.port, "error", err)
		if attempt == s.cfg.ReadyAttempts {
			break
		}
		timer := time.NewTimer(s.cfg.ReadyInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// CheckAlive reports PROCESS_DIED, with captured output, if the browser has
// exited. It never blocks.
func (s *Supervisor) CheckAlive() error {
	if s.cmd == nil {
		return cdperr.Newf(cdperr.CodeClosed, "browser not launched")
	}
	select {
	case <-s.exited:
	default:
		return nil
	}
	exit := &cdperr.ProcessExit{
		PID:      s.cmd.Process.Pid,
		ExitCode: s.cmd.ProcessState.ExitCode(),
		Stdout:   s.stdout.Report(),
		Stderr:   s.stderr.Report(),
	}
	s.diedOnce.Do(func() {
		metrics.ProcessesDied.Inc()
		slog.Error("browser process died", "pid", exit.PID, "exit_code", exit.ExitCode, "stderr", exit.Stderr)
	})
	return cdperr.New(cdperr.CodeProcessDied, "browser process died unexpectedly", exit)
}

// Shutdown interrupts the browser, waits up to timeout for it to exit, then
// kills it. The debug port is released whatever happens. Repeated calls
// return the first result.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.stop(timeout)
		if s.port != 0 {
			s.cfg.Ports.Release(s.port)
		}
	})
	return s.shutdownErr
}

func (s *Supervisor) stop(timeout time.Duration) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	pid := s.cmd.Process.Pid
	select {
	case <-s.exited:
		slog.Debug("browser already exited", "pid", pid)
		return nil
	default:
	}

	slog.Info("stopping browser", "pid", pid)
	var errs []error
	if err := s.cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("interrupt browser %d: %w", pid, err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.exited:
		slog.Info("browser stopped gracefully", "pid", pid)
		return errors.Join(errs...)
	case <-timer.C:
	}

	slog.Warn("browser did not exit, sending SIGKILL", "pid", pid, "timeout", timeout)
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("kill browser %d: %w", pid, err))
	}
	timer.Reset(timeout)
	select {
	case <-s.exited:
	case <-timer.C:
		errs = append(errs, fmt.Errorf("browser %d not reaped %s after SIGKILL", pid, timeout))
	}
	return errors.Join(errs...)
}

// Port returns the claimed debug port, or 0 before Launch.
func (s *Supervisor) Port() int { return s.port }

// Host returns the host the control plane is reached on.
func (s *Supervisor) Host() string { return s.cfg.Host }

// PID returns the browser process id, or 0 before Launch.
func (s *Supervisor) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Client returns the control-plane client, or nil before Launch.
func (s *Supervisor) Client() *devtools.Client { return s.client }

// Output returns the bounded captured stdout and stderr text.
func (s *Supervisor) Output() (stdout, stderr string) {
	return s.stdout.Report(), s.stderr.Report()
}
