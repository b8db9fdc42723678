package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// ChildOption customizes a spawned child transport.
type ChildOption func(*child)

// WithChildEnv sets the environment for the child process. When unset
// the child inherits the parent's environment.
func WithChildEnv(env []string) ChildOption {
	return func(c *child) { c.cmd.Env = env }
}

// WithChildLogger sets the logger that receives the child's stderr,
// one line per record.
func WithChildLogger(l *slog.Logger) ChildOption {
	return func(c *child) {
		if l != nil {
			c.log = l
		}
	}
}

// WithChildExitGrace sets how long Close waits for the child to exit
// after its stdin is closed before killing it. Default 2s.
func WithChildExitGrace(d time.Duration) ChildOption {
	return func(c *child) {
		if d > 0 {
			c.exitGrace = d
		}
	}
}

// SpawnChild starts argv[0] with the remaining argv as arguments and
// returns a transport connected to the child's stdin/stdout. The
// child's stderr is forwarded to the logger. Closing the transport
// closes the child's stdin and reaps the child, killing it if it has
// not exited within the grace period.
func SpawnChild(ctx context.Context, argv []string, opts ...ChildOption) (Transport, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("transport: spawn child: empty argv")
	}
	c := &child{
		cmd:       exec.CommandContext(ctx, argv[0], argv[1:]...),
		log:       slog.Default(),
		exitGrace: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: child stdin: %w", err)
	}
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: child stdout: %w", err)
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: child stderr: %w", err)
	}
	c.stdin = stdin
	c.stdout = stdout

	if err := c.cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: start %s: %w", argv[0], err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			c.log.Info("child stderr", "cmd", argv[0], "line", sc.Text())
		}
	}()

	return c, nil
}

type child struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	log       *slog.Logger
	exitGrace time.Duration
}

func (c *child) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *child) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close closes the child's stdin and reaps it. A well-behaved child
// exits on stdin EOF; one that lingers past the grace period is
// killed, which counts as a clean shutdown since we initiated it.
func (c *child) Close() error {
	c.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- c.cmd.Wait() }()

	timer := time.NewTimer(c.exitGrace)
	defer timer.Stop()
	select {
	case err := <-exited:
		if err != nil {
			return fmt.Errorf("transport: child exit: %w", err)
		}
		return nil
	case <-timer.C:
		c.log.Warn("child ignored stdin close; killing it", "cmd", c.cmd.Path)
		c.cmd.Process.Kill()
		<-exited
		return nil
	}
}
