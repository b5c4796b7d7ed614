// Package processor aggregates the event stream of one run into progress
// state: turns, tools used, token metrics, phase and the final result.
// The supervisor's stdout reader is the only writer; status readers take
// consistent snapshots.
package processor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/namastexlabs/automagik/internal/events"
	"github.com/namastexlabs/automagik/internal/pubsub"
)

// Phase describes where a run is in its lifecycle, derived from the stream.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseWorking      Phase = "working"
	PhaseToolUsing    Phase = "tool_using"
	PhaseCompleting   Phase = "completing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// phasePercent is the completion heuristic used when max_turns is unknown.
var phasePercent = map[Phase]int{
	PhaseInitializing: 0,
	PhaseWorking:      40,
	PhaseToolUsing:    60,
	PhaseCompleting:   85,
	PhaseCompleted:    100,
	PhaseFailed:       100,
}

// PhaseChange records one phase transition for the detailed status view.
type PhaseChange struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// FinalResult is the authoritative outcome taken from the child's result event.
type FinalResult struct {
	Success    bool    `json:"success"`
	ResultText string  `json:"result_text"`
	NumTurns   int     `json:"num_turns"`
	DurationMs int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd"`
}

// Snapshot is an immutable view of the aggregate state at one instant.
type Snapshot struct {
	RunID                string
	SessionID            string // child session id, from the init event
	Model                string
	Phase                Phase
	Turns                int
	ToolsUsed            []string
	FilesCreated         []string
	Tokens               TokenMetrics
	LastEventAt          time.Time
	CompletionPercentage int
	Final                *FinalResult
	ParseErrors          int
	LastParseError       string
	PhaseHistory         []PhaseChange
}

// outputBufferCap bounds the stdout tail kept for detailed status; the
// status view serves at most the last 50 of these.
const outputBufferCap = 200

// Processor aggregates one run's event stream.
type Processor struct {
	mu sync.RWMutex

	runID    string
	maxTurns int

	sessionID    string
	model        string
	phase        Phase
	phaseHistory []PhaseChange
	turns        int
	toolsSeen    map[string]struct{}
	toolsOrder   []string
	filesSeen    map[string]struct{}
	filesOrder   []string
	tokens       TokenMetrics
	lastEventAt  time.Time
	final        *FinalResult

	parseErrors    int
	lastParseError string

	output *OutputBuffer
	broker *pubsub.Broker[Snapshot]
}

// New creates a processor for runID. maxTurns of 0 means unbounded; the
// broker may be nil when nobody subscribes to progress.
func New(runID string, maxTurns int, broker *pubsub.Broker[Snapshot]) *Processor {
	p := &Processor{
		runID:     runID,
		maxTurns:  maxTurns,
		phase:     PhaseInitializing,
		toolsSeen: make(map[string]struct{}),
		filesSeen: make(map[string]struct{}),
		output:    NewOutputBuffer(outputBufferCap),
		broker:    broker,
	}
	p.phaseHistory = append(p.phaseHistory, PhaseChange{Phase: PhaseInitializing, At: time.Now()})
	return p
}

// HandleEvent folds one parsed event into the aggregate.
func (p *Processor) HandleEvent(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	p.lastEventAt = now

	switch ev.Kind {
	case events.KindInit:
		p.sessionID = ev.Init.SessionID
		p.model = ev.Init.Model
		p.setPhase(PhaseWorking, now)

	case events.KindAssistant:
		if ev.Assistant.Text != "" {
			p.turns++
			p.setPhase(PhaseWorking, now)
		}
		if len(ev.Assistant.ToolUses) > 0 {
			for _, tu := range ev.Assistant.ToolUses {
				p.recordTool(tu.Name)
				p.recordFile(tu)
			}
			p.setPhase(PhaseToolUsing, now)
		}

	case events.KindToolResult:
		p.setPhase(PhaseWorking, now)

	case events.KindFinal:
		final := ev.Final
		p.tokens.MergeUsage(final.Usage, now)
		p.tokens.MergeCost(final.TotalCostUSD)
		if final.NumTurns > p.turns {
			p.turns = final.NumTurns
		}
		p.final = &FinalResult{
			Success:    final.Success,
			ResultText: final.ResultText,
			NumTurns:   p.turns,
			DurationMs: final.DurationMs,
			CostUSD:    p.tokens.CostUSD,
		}
		if final.Success {
			p.setPhase(PhaseCompleted, now)
		} else {
			p.setPhase(PhaseFailed, now)
		}

	case events.KindOther:
		// Preserved but not aggregated.
	}

	p.publishLocked()
}

// HandleParseError records an unusable line. The run continues.
func (p *Processor) HandleParseError(perr *events.ParseError) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.parseErrors++
	p.lastParseError = string(perr.Kind)
	p.lastEventAt = time.Now()
	p.publishLocked()
}

// MarkCompleting flags the wind-down window between stdout closing and the
// exit status arriving. Terminal phases are never overwritten.
func (p *Processor) MarkCompleting() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase == PhaseCompleted || p.phase == PhaseFailed {
		return
	}
	p.setPhase(PhaseCompleting, time.Now())
	p.publishLocked()
}

// AppendLine stores a raw stdout line for the detailed status tail.
func (p *Processor) AppendLine(line string) {
	p.output.Write(line)
}

// RecentOutput returns the last n stdout lines in order.
func (p *Processor) RecentOutput(n int) []string {
	return p.output.LastN(n)
}

// Snapshot returns a consistent copy of the aggregate state.
func (p *Processor) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *Processor) snapshotLocked() Snapshot {
	snap := Snapshot{
		RunID:          p.runID,
		SessionID:      p.sessionID,
		Model:          p.model,
		Phase:          p.phase,
		Turns:          p.turns,
		ToolsUsed:      append([]string(nil), p.toolsOrder...),
		FilesCreated:   append([]string(nil), p.filesOrder...),
		Tokens:         p.tokens,
		LastEventAt:    p.lastEventAt,
		ParseErrors:    p.parseErrors,
		LastParseError: p.lastParseError,
		PhaseHistory:   append([]PhaseChange(nil), p.phaseHistory...),
	}
	if p.final != nil {
		f := *p.final
		snap.Final = &f
	}
	snap.CompletionPercentage = p.completionLocked()
	return snap
}

func (p *Processor) completionLocked() int {
	if p.maxTurns > 0 {
		pct := 100 * p.turns / p.maxTurns
		return min(100, pct)
	}
	return phasePercent[p.phase]
}

func (p *Processor) recordTool(name string) {
	if name == "" {
		return
	}
	if _, seen := p.toolsSeen[name]; seen {
		return
	}
	p.toolsSeen[name] = struct{}{}
	p.toolsOrder = append(p.toolsOrder, name)
}

// fileWritingTools are the tool names whose input names a file the run
// creates or rewrites.
var fileWritingTools = map[string]struct{}{
	"Write":        {},
	"NotebookEdit": {},
}

// recordFile extracts the file_path argument of file-writing tool uses.
func (p *Processor) recordFile(tu events.ToolUse) {
	if _, ok := fileWritingTools[tu.Name]; !ok {
		return
	}
	var input struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(tu.Input, &input); err != nil || input.FilePath == "" {
		return
	}
	if _, seen := p.filesSeen[input.FilePath]; seen {
		return
	}
	p.filesSeen[input.FilePath] = struct{}{}
	p.filesOrder = append(p.filesOrder, input.FilePath)
}

func (p *Processor) setPhase(phase Phase, at time.Time) {
	if p.phase == phase {
		return
	}
	p.phase = phase
	p.phaseHistory = append(p.phaseHistory, PhaseChange{Phase: phase, At: at})
}

func (p *Processor) publishLocked() {
	if p.broker != nil {
		p.broker.Publish(pubsub.ProgressEvent, p.snapshotLocked())
	}
}
