// Package orchestrator glues the pieces together: it accepts run requests,
// allocates workspaces, spawns and supervises children, keeps the registry
// current, and answers status, cancel and inject operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/namastexlabs/automagik/internal/claude"
	"github.com/namastexlabs/automagik/internal/config"
	"github.com/namastexlabs/automagik/internal/events"
	"github.com/namastexlabs/automagik/internal/log"
	"github.com/namastexlabs/automagik/internal/processor"
	"github.com/namastexlabs/automagik/internal/pubsub"
	"github.com/namastexlabs/automagik/internal/registry"
	"github.com/namastexlabs/automagik/internal/workflow"
	"github.com/namastexlabs/automagik/internal/workspace"
)

const (
	minTimeoutSec = 60
	maxTimeoutSec = 14400
	maxMaxTurns   = 200

	injectAcquireTimeout = 5 * time.Second

	reportCacheTTL    = 5 * time.Minute
	reportCacheSweep  = 10 * time.Minute
	heartbeatInterval = 5 * time.Second
)

// StartRunRequest carries everything needed to launch a run.
type StartRunRequest struct {
	WorkflowName string `json:"workflow_name"`
	Message      string `json:"message"`
	SessionID    string `json:"session_id,omitempty"`
	SessionName  string `json:"session_name,omitempty"`
	UserID       string `json:"user_id,omitempty"`

	MaxTurns       int    `json:"max_turns,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	InputFormat    string `json:"input_format,omitempty"`

	GitBranch     string `json:"git_branch,omitempty"`
	RepositoryURL string `json:"repository_url,omitempty"`
	TempWorkspace bool   `json:"temp_workspace,omitempty"`

	CreatePROnSuccess bool   `json:"create_pr_on_success,omitempty"`
	PRTitle           string `json:"pr_title,omitempty"`
	PRBody            string `json:"pr_body,omitempty"`
	AutoMerge         bool   `json:"auto_merge,omitempty"`
}

// StartRunResponse acknowledges an accepted run.
type StartRunResponse struct {
	RunID     registry.RunID  `json:"run_id"`
	SessionID string          `json:"session_id"`
	Status    registry.Status `json:"status"`
	StartedAt time.Time       `json:"started_at"`
}

// KillResult acknowledges a cancel.
type KillResult struct {
	Acknowledged bool `json:"acknowledged"`
	// Orphaned means no live child existed; the run was marked failed
	// directly instead of being signaled.
	Orphaned bool `json:"orphaned,omitempty"`
}

// MessageReceipt acknowledges an injected message.
type MessageReceipt struct {
	MessageID  string    `json:"message_id"`
	InjectedAt time.Time `json:"injected_at"`
}

// activeRun is the in-memory handle bundle for one live run. The active
// index is rebuilt empty on startup; the registry alone survives restarts.
type activeRun struct {
	id          registry.RunID
	workflow    string
	process     *claude.Process
	processor   *processor.Processor
	workspace   *workspace.Workspace
	inputFormat claude.InputFormat
	cancel      context.CancelFunc

	lastPersist time.Time
	persistMu   sync.Mutex
}

// Orchestrator is the top-level run coordinator.
type Orchestrator struct {
	cfg        config.Config
	registry   *registry.Registry
	workflows  *workflow.Registry
	workspaces *workspace.Manager
	clock      Clock
	tracer     trace.Tracer

	// commandFactory overrides child spawning in tests.
	commandFactory claude.CommandFactoryFunc

	// progress receives a snapshot after every aggregate change, for live
	// subscribers (log tailing, future websockets).
	progress *pubsub.Broker[processor.Snapshot]

	mu     sync.Mutex
	active map[registry.RunID]*activeRun
	slots  chan struct{}

	reportCache *cache.Cache

	wg sync.WaitGroup
}

// Options bundle the orchestrator's collaborators.
type Options struct {
	Config     config.Config
	Registry   *registry.Registry
	Workflows  *workflow.Registry
	Workspaces *workspace.Manager
	Clock      Clock
	Tracer     trace.Tracer
	// CommandFactory substitutes the child command in tests.
	CommandFactory claude.CommandFactoryFunc
}

// New creates an orchestrator. The active index starts empty.
func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	maxRuns := opts.Config.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 16
	}
	slots := make(chan struct{}, maxRuns)
	for i := 0; i < maxRuns; i++ {
		slots <- struct{}{}
	}

	return &Orchestrator{
		cfg:            opts.Config,
		registry:       opts.Registry,
		workflows:      opts.Workflows,
		workspaces:     opts.Workspaces,
		clock:          opts.Clock,
		tracer:         opts.Tracer,
		commandFactory: opts.CommandFactory,
		progress:       pubsub.NewBroker[processor.Snapshot](),
		active:         make(map[registry.RunID]*activeRun),
		slots:          slots,
		reportCache:    cache.New(reportCacheTTL, reportCacheSweep),
	}
}

// Progress returns the broker carrying live snapshots for all runs.
func (o *Orchestrator) Progress() *pubsub.Broker[processor.Snapshot] {
	return o.progress
}

// ActiveCount returns the number of live runs.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// StartRun validates the request, persists a pending row, allocates a
// workspace, spawns the child and returns as soon as the run is live.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRunRequest) (*StartRunResponse, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartRun",
		trace.WithAttributes(attribute.String("workflow", req.WorkflowName)))
	defer span.End()

	wf, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	sessionID, resumeID, err := o.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case <-o.slots:
	default:
		return nil, ErrCapacity
	}

	now := o.clock.Now()
	maxTurns := req.MaxTurns
	if maxTurns == 0 {
		maxTurns = wf.DefaultMaxTurns
	}
	timeoutSec := req.TimeoutSeconds
	if timeoutSec == 0 {
		timeoutSec = o.cfg.RunDefaultTimeoutSec
	}

	run := &registry.Run{
		ID:                registry.NewRunID(),
		WorkflowName:      req.WorkflowName,
		SessionID:         sessionID,
		SessionName:       req.SessionName,
		UserID:            req.UserID,
		Status:            registry.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		GitBranch:         req.GitBranch,
		RepositoryURL:     req.RepositoryURL,
		InputFormat:       inputFormatOrDefault(req.InputFormat),
		MaxTurns:          maxTurns,
		TimeoutSeconds:    timeoutSec,
		CreatePROnSuccess: req.CreatePROnSuccess,
		PRTitle:           req.PRTitle,
		PRBody:            req.PRBody,
		AutoMerge:         req.AutoMerge,
		LastHeartbeat:     now,
	}
	if err := o.registry.Create(ctx, run); err != nil {
		o.slots <- struct{}{}
		return nil, fmt.Errorf("persist run: %w", err)
	}

	ws, err := o.acquireWorkspace(ctx, run, wf, req.TempWorkspace)
	if err != nil {
		o.failBeforeSpawn(ctx, run.ID, registry.ErrKindWorkspace, "workspace", err)
		o.slots <- struct{}{}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	proc, pr, err := o.spawn(runCtx, run, wf, ws, req.Message, resumeID)
	if err != nil {
		cancel()
		o.workspaces.Release(ws, workspace.ReleaseOptions{})
		o.failBeforeSpawn(ctx, run.ID, registry.ErrKindSpawnFailed, "spawn", err)
		o.slots <- struct{}{}
		return nil, &SpawnError{Err: err}
	}

	updated, err := o.registry.Update(ctx, run.ID, func(r *registry.Run) error {
		if err := r.TransitionTo(registry.StatusRunning, o.clock.Now()); err != nil {
			return err
		}
		r.WorkspacePath = ws.Path
		r.WorkspacePersistent = ws.Persistent()
		if r.GitBranch == "" {
			r.GitBranch = ws.Branch
		}
		return nil
	})
	if err != nil {
		// The child is already live; kill it rather than leak it, and free
		// the workspace lease so later runs on this workflow can proceed.
		proc.Kill(claude.CauseKilledByUser)
		cancel()
		o.workspaces.Release(ws, workspace.ReleaseOptions{Killed: true})
		o.slots <- struct{}{}
		return nil, fmt.Errorf("mark running: %w", err)
	}

	entry := &activeRun{
		id:          run.ID,
		workflow:    run.WorkflowName,
		process:     proc,
		processor:   pr,
		workspace:   ws,
		inputFormat: claude.InputFormat(updated.InputFormat),
		cancel:      cancel,
	}
	o.mu.Lock()
	o.active[run.ID] = entry
	o.mu.Unlock()

	o.wg.Add(1)
	go o.awaitCompletion(entry)

	log.Info(log.CatRun, "run started",
		"run_id", run.ID, "workflow", run.WorkflowName, "session_id", run.SessionID,
		"workspace", ws.Path, "pid", proc.PID())

	return &StartRunResponse{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Status:    registry.StatusRunning,
		StartedAt: *updated.StartedAt,
	}, nil
}

func (o *Orchestrator) validate(req StartRunRequest) (*workflow.Workflow, error) {
	if req.Message == "" {
		return nil, &ValidationError{Field: "message", Reason: "required"}
	}
	wf, err := o.workflows.Get(req.WorkflowName)
	if err != nil {
		return nil, err
	}
	if req.MaxTurns != 0 && (req.MaxTurns < 1 || req.MaxTurns > maxMaxTurns) {
		return nil, &ValidationError{Field: "max_turns",
			Reason: fmt.Sprintf("must be between 1 and %d", maxMaxTurns)}
	}
	if req.TimeoutSeconds != 0 && (req.TimeoutSeconds < minTimeoutSec || req.TimeoutSeconds > maxTimeoutSec) {
		return nil, &ValidationError{Field: "timeout_seconds",
			Reason: fmt.Sprintf("must be between %d and %d", minTimeoutSec, maxTimeoutSec)}
	}
	if req.TempWorkspace && (req.GitBranch != "" || req.RepositoryURL != "") {
		return nil, &ValidationError{Field: "temp_workspace",
			Reason: "cannot be combined with git parameters"}
	}
	switch req.InputFormat {
	case "", string(claude.InputText), string(claude.InputStreamJSON):
	default:
		return nil, &ValidationError{Field: "input_format",
			Reason: "must be text or stream-json"}
	}
	return wf, nil
}

// resolveSession returns the session id for the run and, when the session
// has a prior completed run, the child session id to resume.
func (o *Orchestrator) resolveSession(ctx context.Context, req StartRunRequest) (sessionID, resumeID string, err error) {
	if req.SessionID == "" {
		return uuid.NewString(), "", nil
	}

	prior, err := o.registry.List(ctx, registry.Filter{SessionID: req.SessionID, Limit: 1})
	if err != nil {
		return "", "", err
	}
	if len(prior) == 0 {
		return "", "", fmt.Errorf("session %s: %w", req.SessionID, registry.ErrNotFound)
	}
	if prior[0].Status == registry.StatusCompleted {
		resumeID = prior[0].ClaudeSessionID
	}
	return req.SessionID, resumeID, nil
}

func (o *Orchestrator) acquireWorkspace(ctx context.Context, run *registry.Run, wf *workflow.Workflow, temp bool) (*workspace.Workspace, error) {
	ctx, span := o.tracer.Start(ctx, "workspace.Acquire",
		trace.WithAttributes(attribute.String("run_id", run.ID.String())))
	defer span.End()

	return o.workspaces.Acquire(ctx, workspace.Request{
		RunID:              run.ID.String(),
		WorkflowName:       run.WorkflowName,
		TempWorkspace:      temp,
		RepositoryURL:      run.RepositoryURL,
		GitBranch:          run.GitBranch,
		WorkflowPersistent: wf.PersistentWorkspace,
		ConfigContent:      wf.SystemPrompt,
	})
}

func (o *Orchestrator) spawn(ctx context.Context, run *registry.Run, wf *workflow.Workflow, ws *workspace.Workspace, message, resumeID string) (*claude.Process, *processor.Processor, error) {
	pr := processor.New(run.ID.String(), run.MaxTurns, o.progress)

	hooks := claude.Hooks{
		OnEvent: func(ev events.Event) {
			pr.HandleEvent(ev)
			o.persistProgress(run.ID, pr, ev)
		},
		OnParseError: func(perr *events.ParseError) {
			pr.HandleParseError(perr)
			log.Warn(log.CatStream, "parse error", "run_id", run.ID, "kind", perr.Kind)
		},
		OnLine: func(line string) {
			pr.AppendLine(line)
		},
		OnStdoutClosed: func() {
			pr.MarkCompleting()
		},
	}

	env, err := o.childEnv(ws, wf)
	if err != nil {
		return nil, nil, err
	}

	cfg := claude.Config{
		Executable:        o.cfg.ClaudeBin,
		WorkDir:           ws.Path,
		Env:               env,
		SystemPrompt:      wf.SystemPrompt,
		Prompt:            message,
		ResumeSessionID:   resumeID,
		Model:             wf.Model,
		MaxTurns:          run.MaxTurns,
		InputFormat:       claude.InputFormat(run.InputFormat),
		AllowedTools:      wf.AllowedTools,
		Timeout:           time.Duration(run.TimeoutSeconds) * time.Second,
		InactivityTimeout: time.Duration(o.cfg.InactivityTimeoutSec) * time.Second,
		CommandFactory:    o.commandFactory,
	}

	proc, err := claude.Spawn(ctx, cfg, hooks)
	if err != nil {
		return nil, nil, err
	}
	return proc, pr, nil
}

// childHomeDir is the per-workspace HOME given to each child so its CLI
// state never touches the daemon's own home directory.
const childHomeDir = ".home"

// childEnv builds the environment overrides for a child: an isolated HOME
// inside the workspace, the configured API key, and the workflow's own
// variables (sorted for stable argv in logs and tests).
func (o *Orchestrator) childEnv(ws *workspace.Workspace, wf *workflow.Workflow) ([]string, error) {
	home := filepath.Join(ws.Path, childHomeDir)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create child home: %w", err)
	}

	env := []string{"HOME=" + home}
	if o.cfg.ClaudeAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+o.cfg.ClaudeAPIKey)
	}

	keys := make([]string, 0, len(wf.Env))
	for k := range wf.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+wf.Env[k])
	}
	return env, nil
}

// persistProgress writes aggregates through to the registry. Heartbeats are
// throttled; init and result events always persist immediately.
func (o *Orchestrator) persistProgress(id registry.RunID, pr *processor.Processor, ev events.Event) {
	o.mu.Lock()
	entry := o.active[id]
	o.mu.Unlock()

	now := o.clock.Now()
	if entry != nil && ev.Kind != events.KindInit && ev.Kind != events.KindFinal {
		entry.persistMu.Lock()
		recent := now.Sub(entry.lastPersist) < heartbeatInterval
		if !recent {
			entry.lastPersist = now
		}
		entry.persistMu.Unlock()
		if recent {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap := pr.Snapshot()
	if ev.Kind == events.KindInit && snap.SessionID != "" {
		if err := o.registry.SetClaudeSessionID(ctx, id, snap.SessionID); err != nil {
			log.ErrorErr(log.CatRun, "persist session id failed", err, "run_id", id)
		}
	}
	if err := o.registry.UpdateMetrics(ctx, id, snapshotMetrics(snap), now); err != nil {
		log.ErrorErr(log.CatRun, "persist metrics failed", err, "run_id", id)
	}
}

func snapshotMetrics(snap processor.Snapshot) registry.Metrics {
	return registry.Metrics{
		Turns:              snap.Turns,
		InputTokens:        snap.Tokens.InputTokens,
		OutputTokens:       snap.Tokens.OutputTokens,
		CacheCreatedTokens: snap.Tokens.CacheCreationInputTokens,
		CacheReadTokens:    snap.Tokens.CacheReadInputTokens,
		CostUSD:            snap.Tokens.CostUSD,
		ToolsUsed:          snap.ToolsUsed,
	}
}

// failBeforeSpawn marks a pending run failed with the given error kind.
func (o *Orchestrator) failBeforeSpawn(ctx context.Context, id registry.RunID, kind registry.ErrorKind, phase string, cause error) {
	_, err := o.registry.Update(ctx, id, func(r *registry.Run) error {
		if err := r.TransitionTo(registry.StatusFailed, o.clock.Now()); err != nil {
			return err
		}
		r.Error = &registry.RunError{Kind: kind, Message: cause.Error(), Phase: phase}
		return nil
	})
	if err != nil {
		log.ErrorErr(log.CatRun, "mark failed errored", err, "run_id", id)
	}
}

// Cancel requests termination of a run. Asynchronous: the run turns killed
// once the supervisor reports exit.
func (o *Orchestrator) Cancel(ctx context.Context, id registry.RunID) (*KillResult, error) {
	o.mu.Lock()
	entry := o.active[id]
	o.mu.Unlock()

	if entry != nil {
		entry.process.Kill(claude.CauseKilledByUser)
		log.Info(log.CatRun, "cancel requested", "run_id", id)
		return &KillResult{Acknowledged: true}, nil
	}

	run, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, ErrAlreadyDone
	}

	// Running in the registry but absent from the active index: a leftover
	// from a previous process. Mark it failed directly.
	_, err = o.registry.Update(ctx, id, func(r *registry.Run) error {
		if r.Status.IsTerminal() {
			return nil
		}
		if err := r.TransitionTo(registry.StatusFailed, o.clock.Now()); err != nil {
			return err
		}
		r.Error = &registry.RunError{Kind: registry.ErrKindOrphaned,
			Message: "no live child process for run", Phase: "cancel"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Warn(log.CatRun, "cancel found orphaned run", "run_id", id)
	return &KillResult{Acknowledged: true, Orphaned: true}, nil
}

// Shutdown terminates all active children and waits for their completion
// handlers, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	entries := make([]*activeRun, 0, len(o.active))
	for _, entry := range o.active {
		entries = append(entries, entry)
	}
	o.mu.Unlock()

	for _, entry := range entries {
		entry.process.Kill(claude.CauseKilledByUser)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func inputFormatOrDefault(s string) string {
	if s == "" {
		return string(claude.InputText)
	}
	return s
}

// IsNotFound reports whether err should surface as a 404.
func IsNotFound(err error) bool {
	return errors.Is(err, registry.ErrNotFound) || errors.Is(err, workflow.ErrUnknown)
}
