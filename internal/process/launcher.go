package process

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// LaunchOpts select the conversation a subprocess attaches to. Resume
// reattaches to an existing journal; otherwise the session id names a
// brand-new conversation.
type LaunchOpts struct {
	SessionID string
	Resume    bool
	CWD       string
}

// Proc is one live CLI subprocess.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the subprocess has exited.
	Wait() error
	// Terminate asks the process group to exit, escalating to a hard kill
	// after the grace window.
	Terminate(grace time.Duration)
	// Kill hard-kills the process group immediately.
	Kill()
}

// Launcher spawns CLI subprocesses. The production implementation execs the
// configured binary; tests substitute in-memory pipes.
type Launcher interface {
	Launch(opts LaunchOpts) (Proc, error)
}

// CLILauncher launches the real Claude CLI in stream-json mode.
type CLILauncher struct {
	cfg    config.ClaudeConfig
	logger *logger.Logger
}

// NewCLILauncher creates a launcher for the configured binary.
func NewCLILauncher(cfg config.ClaudeConfig, log *logger.Logger) *CLILauncher {
	return &CLILauncher{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "cli-launcher")),
	}
}

// Launch starts one CLI subprocess attached to the given session.
func (l *CLILauncher) Launch(opts LaunchOpts) (Proc, error) {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--permission-prompt-tool=stdio",
		"--permission-mode", l.cfg.PermissionMode,
	}
	if opts.Resume {
		args = append(args, "--resume", opts.SessionID)
	} else {
		args = append(args, "--session-id", opts.SessionID)
	}

	// Not CommandContext: shutdown is driven through Terminate so the group
	// gets SIGTERM and a grace window before SIGKILL.
	cmd := exec.Command(l.cfg.Binary, args...)
	cmd.Dir = opts.CWD
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.cfg.Binary, err)
	}

	proc := &cliProc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: l.logger,
		exited: make(chan struct{}),
	}
	go proc.drainStderr(stderr)
	go proc.reap()

	l.logger.Info("Claude CLI started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("session_id", opts.SessionID),
		zap.Bool("resume", opts.Resume),
		zap.String("cwd", opts.CWD))
	return proc, nil
}

// cliProc wraps a started exec.Cmd. The reap goroutine owns cmd.Wait;
// everyone else joins on the exited channel.
type cliProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *logger.Logger

	exited  chan struct{}
	waitErr error
}

func (p *cliProc) Stdin() io.WriteCloser { return p.stdin }
func (p *cliProc) Stdout() io.Reader     { return p.stdout }

func (p *cliProc) Wait() error {
	<-p.exited
	return p.waitErr
}

func (p *cliProc) Terminate(grace time.Duration) {
	pid := p.cmd.Process.Pid
	if err := terminateProcessGroup(pid); err != nil {
		p.logger.WithError(err).Warn("Failed to signal process group, killing",
			zap.Int("pid", pid))
		_ = killProcessGroup(pid)
		return
	}
	if grace <= 0 {
		_ = killProcessGroup(pid)
		return
	}
	go func() {
		select {
		case <-p.exited:
		case <-time.After(grace):
			p.logger.Warn("Process did not exit in grace window, killing",
				zap.Int("pid", pid), zap.Duration("grace", grace))
			_ = killProcessGroup(pid)
		}
	}()
}

func (p *cliProc) Kill() {
	_ = killProcessGroup(p.cmd.Process.Pid)
}

func (p *cliProc) reap() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *cliProc) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("claude stderr", zap.String("line", scanner.Text()))
	}
}
