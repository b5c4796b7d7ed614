package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/namastexlabs/automagik/internal/events"
	"github.com/namastexlabs/automagik/internal/log"
)

// ExitCause classifies why a child terminated.
type ExitCause string

const (
	CauseNone         ExitCause = ""
	CauseTimeout      ExitCause = "timeout"
	CauseInactivity   ExitCause = "inactivity"
	CauseKilledByUser ExitCause = "killed_by_user"
	CauseNonzeroExit  ExitCause = "nonzero_exit"
	CauseSpawnFailed  ExitCause = "spawn_failed"
	CauseUnkillable   ExitCause = "unkillable"
)

// ExitResult is the supervisor's verdict on a finished (or abandoned) child.
type ExitResult struct {
	ExitCode int
	Cause    ExitCause
	Err      error
	// StderrTail holds the captured stderr lines, oldest dropped past the cap.
	StderrTail []string
}

// Ok reports a clean zero exit with no overriding cause.
func (r ExitResult) Ok() bool {
	return r.Cause == CauseNone && r.ExitCode == 0
}

// Hooks receive the stdout pipeline. All callbacks are invoked from the
// stdout reader goroutine, in emission order.
type Hooks struct {
	OnEvent        func(events.Event)
	OnParseError   func(*events.ParseError)
	OnLine         func(string)
	OnStdoutClosed func()
}

// Termination ladder windows.
const (
	termGracePeriod = 10 * time.Second
	killGracePeriod = 5 * time.Second
)

// stderrCapBytes bounds the captured stderr; diagnostics, not truth.
const stderrCapBytes = 10 << 20

// ErrStdinClosed is returned when writing to a child whose stdin is gone.
var ErrStdinClosed = errors.New("stdin closed")

// ErrStdinBusy is returned when the stdin writer could not be acquired in time.
var ErrStdinBusy = errors.New("stdin writer busy")

// Process is one supervised child. Create it with Spawn.
type Process struct {
	cfg   Config
	cmd   *exec.Cmd
	hooks Hooks

	stdin       io.WriteCloser
	stdinSem    chan struct{} // capacity 1; holds the stdin write lease
	stdinClosed atomic.Bool

	pgid int

	lastActivity atomic.Int64 // unix nanos of the last stdout line

	killCause   atomic.Value // ExitCause requested by a terminator
	terminate   sync.Once
	exitOnce    sync.Once
	exitCh      chan ExitResult
	done        chan struct{}
	readersDone sync.WaitGroup

	stderrMu    sync.Mutex
	stderrLines []string
	stderrBytes int
}

// Spawn starts the child under cfg. The returned Process is already running;
// its exit is reported exactly once on Done.
func Spawn(ctx context.Context, cfg Config, hooks Hooks) (*Process, error) {
	execPath := cfg.Executable
	if cfg.CommandFactory == nil {
		var err error
		execPath, err = FindExecutable(cfg.Executable)
		if err != nil {
			return nil, err
		}
	}

	args := buildArgs(cfg)

	var cmd *exec.Cmd
	if cfg.CommandFactory != nil {
		cmd = cfg.CommandFactory(execPath, args...)
	} else {
		// #nosec G204 -- args are built from Config, not raw user input
		cmd = exec.Command(execPath, args...)
	}
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	// Own process group so termination reaches helper processes the child spawns.
	configureProcAttr(cmd)

	p := &Process{
		cfg:      cfg,
		cmd:      cmd,
		hooks:    hooks,
		stdinSem: make(chan struct{}, 1),
		exitCh:   make(chan ExitResult, 1),
		done:     make(chan struct{}),
	}
	p.stdinSem <- struct{}{}
	p.killCause.Store(CauseNone)
	p.lastActivity.Store(time.Now().UnixNano())

	// stdin stays open for the whole run so the child's read-for-more-input
	// mode works in stream-json runs.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	p.stdin = stdin

	log.Debug(log.CatProc, "spawning child",
		"exec", execPath, "workDir", cfg.WorkDir, "inputFormat", cfg.InputFormat)

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("starting claude process: %w", err)
	}

	p.pgid = processGroup(cmd)
	log.Info(log.CatProc, "child started", "pid", cmd.Process.Pid, "pgid", p.pgid)

	p.readersDone.Add(2)
	go p.readStdout(stdout)
	go p.readStderr(stderr)
	go p.watch(ctx)
	go p.waitForExit()

	// Stream-json runs get their opening prompt over stdin.
	if cfg.InputFormat == InputStreamJSON && cfg.Prompt != "" {
		if err := p.writeStdinLine(EncodeUserMessage(cfg.Prompt)); err != nil {
			log.ErrorErr(log.CatProc, "failed to deliver initial prompt", err)
		}
	}

	return p, nil
}

// Done is closed (indirectly, via the buffered result) when the child's fate
// is known. Receive exactly once.
func (p *Process) Done() <-chan ExitResult {
	return p.exitCh
}

// PID returns the child's process ID, or -1 before start.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// LastActivity returns when the last stdout line arrived.
func (p *Process) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

// StderrTail returns the captured stderr lines.
func (p *Process) StderrTail() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return append([]string(nil), p.stderrLines...)
}

// Kill starts the termination ladder with the given cause and returns
// immediately; the outcome lands on Done.
func (p *Process) Kill(cause ExitCause) {
	p.killCause.CompareAndSwap(CauseNone, cause)
	go p.runTerminationLadder()
}

// Inject writes one pre-encoded JSONL message to the child's stdin. The
// writer lease is acquired under ctx; a lease timeout returns ErrStdinBusy.
// Writes are serialized so concurrent injects cannot interleave.
func (p *Process) Inject(ctx context.Context, line []byte) error {
	select {
	case <-p.stdinSem:
	case <-ctx.Done():
		return ErrStdinBusy
	}
	defer func() { p.stdinSem <- struct{}{} }()

	if p.stdinClosed.Load() {
		return ErrStdinClosed
	}
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to stdin: %w", err)
	}
	return nil
}

func (p *Process) writeStdinLine(line []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Inject(ctx, line)
}

// EncodeUserMessage builds the single-line inject payload.
func EncodeUserMessage(text string) []byte {
	payload := struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: "user", Message: text}
	b, _ := json.Marshal(payload)
	return append(b, '\n')
}

// closeStdin is idempotent; first rung of the termination ladder.
func (p *Process) closeStdin() {
	if p.stdinClosed.CompareAndSwap(false, true) {
		_ = p.stdin.Close()
	}
}

// readStdout pumps lines through the parse pipeline.
func (p *Process) readStdout(stdout io.Reader) {
	defer p.readersDone.Done()

	scanner := events.NewLineScanner(stdout)
	for {
		line, err := scanner.Next()
		if err != nil {
			var perr *events.ParseError
			if errors.As(err, &perr) {
				// Oversized line; dropped, stream continues.
				p.lastActivity.Store(time.Now().UnixNano())
				if p.hooks.OnParseError != nil {
					p.hooks.OnParseError(perr)
				}
				continue
			}
			break
		}

		p.lastActivity.Store(time.Now().UnixNano())
		if p.hooks.OnLine != nil {
			p.hooks.OnLine(string(line))
		}

		ev, perr := events.ParseLine(line)
		if perr != nil {
			log.Debug(log.CatProc, "unparseable stdout line", "kind", perr.Kind)
			if p.hooks.OnParseError != nil {
				p.hooks.OnParseError(perr)
			}
			continue
		}
		if p.hooks.OnEvent != nil {
			p.hooks.OnEvent(ev)
		}
	}

	if p.hooks.OnStdoutClosed != nil {
		p.hooks.OnStdoutClosed()
	}
}

// readStderr captures diagnostics up to stderrCapBytes, dropping oldest lines.
func (p *Process) readStderr(stderr io.Reader) {
	defer p.readersDone.Done()

	scanner := events.NewLineScanner(stderr)
	for {
		line, err := scanner.Next()
		if err != nil {
			var perr *events.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return
		}

		p.stderrMu.Lock()
		p.stderrLines = append(p.stderrLines, string(line))
		p.stderrBytes += len(line)
		for p.stderrBytes > stderrCapBytes && len(p.stderrLines) > 0 {
			p.stderrBytes -= len(p.stderrLines[0])
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrMu.Unlock()
	}
}

// watch enforces the wall-clock and inactivity timeouts.
func (p *Process) watch(ctx context.Context) {
	var wallC <-chan time.Time
	if p.cfg.Timeout > 0 {
		wall := time.NewTimer(p.cfg.Timeout)
		defer wall.Stop()
		wallC = wall.C
	}

	checkInterval := p.cfg.InactivityTimeout / 4
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return

		case <-ctx.Done():
			p.killCause.CompareAndSwap(CauseNone, CauseKilledByUser)
			go p.runTerminationLadder()
			return

		case <-wallC:
			log.Warn(log.CatProc, "wall-clock timeout", "pid", p.PID(), "timeout", p.cfg.Timeout)
			p.killCause.CompareAndSwap(CauseNone, CauseTimeout)
			go p.runTerminationLadder()
			return

		case <-ticker.C:
			if p.cfg.InactivityTimeout <= 0 {
				continue
			}
			idle := time.Since(p.LastActivity())
			if idle >= p.cfg.InactivityTimeout {
				log.Warn(log.CatProc, "inactivity timeout", "pid", p.PID(), "idle", idle)
				p.killCause.CompareAndSwap(CauseNone, CauseInactivity)
				go p.runTerminationLadder()
				return
			}
		}
	}
}

// waitForExit reaps the child and publishes the result.
func (p *Process) waitForExit() {
	p.readersDone.Wait()
	err := p.cmd.Wait()
	close(p.done)

	result := ExitResult{StderrTail: p.StderrTail()}
	cause, _ := p.killCause.Load().(ExitCause)

	switch {
	case err == nil:
		result.ExitCode = 0
		result.Cause = cause
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		result.Err = err
		if cause != CauseNone {
			result.Cause = cause
		} else {
			result.Cause = CauseNonzeroExit
		}
	}

	log.Info(log.CatProc, "child exited",
		"pid", p.PID(), "exitCode", result.ExitCode, "cause", result.Cause)
	p.publishExit(result)
}

// runTerminationLadder walks the ordered, best-effort shutdown sequence:
// close stdin, SIGTERM the group, wait, SIGKILL the group, wait, give up.
func (p *Process) runTerminationLadder() {
	p.terminate.Do(func() {
		log.Info(log.CatProc, "terminating child", "pid", p.PID(), "cause", p.killCause.Load())

		p.closeStdin()

		_ = signalGroup(p.pgid, gracefulSignal)
		if p.waitDone(termGracePeriod) {
			return
		}

		log.Warn(log.CatProc, "graceful window expired, forcing", "pid", p.PID())
		_ = signalGroup(p.pgid, forcefulSignal)
		if p.waitDone(killGracePeriod) {
			return
		}

		// The OS will eventually reap it; report and move on.
		log.Error(log.CatProc, "child survived forceful signal", "pid", p.PID())
		p.publishExit(ExitResult{
			ExitCode:   -1,
			Cause:      CauseUnkillable,
			Err:        fmt.Errorf("process group %d did not exit after forceful signal", p.pgid),
			StderrTail: p.StderrTail(),
		})
	})
}

func (p *Process) waitDone(d time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (p *Process) publishExit(result ExitResult) {
	p.exitOnce.Do(func() {
		p.exitCh <- result
	})
}
