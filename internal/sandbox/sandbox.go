// Package sandbox runs allowlisted argument vectors inside the workspace.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/triad/internal/fault"
)

const (
	DefaultTimeout = 120 * time.Second
	// MaxStreamBytes bounds each captured stream; the tail is kept.
	MaxStreamBytes = 1024 * 1024
)

// DefaultAllowlist holds the permitted argument-vector prefixes.
var DefaultAllowlist = [][]string{
	{"pytest", "-q"},
	{"pytest"},
	{"python", "-m", "pip", "install"},
	{"python", "-c"},
}

var execCommand = exec.CommandContext

// Result is the outcome of a command that ran to completion.
type Result struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output joins both streams the way a terminal would show them.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

type Sandbox struct {
	dir       string
	timeout   time.Duration
	allowlist [][]string
	logger    *zap.Logger
	onBlocked func(argv []string)
}

type Option func(*Sandbox)

func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sandbox) { s.logger = l.Named("sandbox") }
}

// WithBlockedHook is called for every rejected vector before the error returns.
func WithBlockedHook(fn func(argv []string)) Option {
	return func(s *Sandbox) { s.onBlocked = fn }
}

func WithAllowlist(prefixes [][]string) Option {
	return func(s *Sandbox) { s.allowlist = prefixes }
}

// New returns a sandbox whose commands run with dir as working directory.
func New(dir string, opts ...Option) *Sandbox {
	s := &Sandbox{
		dir:       dir,
		timeout:   DefaultTimeout,
		allowlist: DefaultAllowlist,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sandbox) Dir() string { return s.dir }

// Allowed reports whether argv starts with one of the sandbox's prefixes.
func (s *Sandbox) Allowed(argv []string) bool {
	for _, prefix := range s.allowlist {
		if hasPrefix(argv, prefix) {
			return true
		}
	}
	return false
}

func hasPrefix(argv, prefix []string) bool {
	if len(argv) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if argv[i] != p {
			return false
		}
	}
	return true
}

// Run executes argv without a shell. A non-allowlisted vector fails with
// fault.ErrBlockedCommand before anything is spawned. Expiry of the sandbox
// timeout or of ctx kills the whole process group and fails with
// fault.ErrTimeout; partial output is discarded.
func (s *Sandbox) Run(ctx context.Context, argv []string) (*Result, error) {
	if len(argv) == 0 || !s.Allowed(argv) {
		s.logger.Warn("blocked command", zap.Strings("argv", argv))
		if s.onBlocked != nil {
			s.onBlocked(argv)
		}
		return nil, fault.New(fault.ErrBlockedCommand, "sandbox", "%s", strings.Join(argv, " ")).
			With("argv", argv)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := execCommand(runCtx, argv[0], argv[1:]...)
	cmd.Dir = s.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &limitedBuffer{max: MaxStreamBytes}
	stderr := &limitedBuffer{max: MaxStreamBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	s.logger.Debug("running command", zap.Strings("argv", argv), zap.String("dir", s.dir))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-runCtx.Done():
		killGroup(cmd)
		<-done
		return nil, s.timeoutError(argv, runCtx.Err())
	case err = <-done:
	}
	if runCtx.Err() != nil {
		killGroup(cmd)
		return nil, s.timeoutError(argv, runCtx.Err())
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", argv[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	res := &Result{
		Argv:     append([]string(nil), argv...),
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	s.logger.Debug("command finished",
		zap.Strings("argv", argv),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (s *Sandbox) timeoutError(argv []string, cause error) error {
	s.logger.Warn("command timed out", zap.Strings("argv", argv), zap.Duration("timeout", s.timeout))
	return fault.New(fault.ErrTimeout, "sandbox", "%s: %v", strings.Join(argv, " "), cause).
		With("argv", argv).
		With("timeout_seconds", s.timeout.Seconds())
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

type limitedBuffer struct {
	buf []byte
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if len(p) >= b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		return len(p), nil
	}
	if over := len(b.buf) + len(p) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return string(b.buf)
}
