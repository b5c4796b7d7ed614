// Package events defines the typed model for the stream-json protocol the
// claude CLI emits on stdout, one JSON object per line, plus the parser that
// converts raw lines into events.
package events

import (
	"encoding/json"
	"time"
)

// Kind discriminates parsed event variants.
type Kind string

const (
	KindInit       Kind = "init"
	KindAssistant  Kind = "assistant"
	KindToolResult Kind = "tool_result"
	KindFinal      Kind = "final"
	KindOther      Kind = "other"
)

// Event is one parsed line of child output. Exactly one payload pointer is
// set, matching Kind; Other events carry only Raw.
type Event struct {
	Kind       Kind
	SessionID  string
	Timestamp  time.Time
	Init       *InitPayload
	Assistant  *AssistantPayload
	ToolResult *ToolResultPayload
	Final      *FinalPayload
	Raw        json.RawMessage
}

// InitPayload is emitted once when the child session starts.
type InitPayload struct {
	SessionID string
	Model     string
	Tools     []string
	CWD       string
}

// AssistantPayload is one assistant turn. Text holds the concatenated text
// blocks; ToolUses lists tool invocations in emission order.
type AssistantPayload struct {
	Text     string
	ToolUses []ToolUse
}

// ToolUse is a single tool invocation inside an assistant message.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultPayload reports the outcome of a prior tool invocation.
type ToolResultPayload struct {
	ToolUseID string
	IsError   bool
}

// Usage carries the token accounting the child reports on its result event.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// Total returns the sum of all token fields.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// FinalPayload is the terminal result event. The child exits shortly after
// emitting it.
type FinalPayload struct {
	Success      bool
	TotalCostUSD float64
	NumTurns     int
	DurationMs   int64
	Usage        Usage
	ResultText   string
}

// ParseErrorKind classifies parser failures.
type ParseErrorKind string

const (
	ParseErrMalformed ParseErrorKind = "malformed"
	ParseErrOversize  ParseErrorKind = "oversize"
)

// ParseError reports an unusable line. Raw holds a truncated prefix of the
// offending input for diagnostics.
type ParseError struct {
	Kind ParseErrorKind
	Raw  string
}

func (e *ParseError) Error() string {
	return "parse error (" + string(e.Kind) + ")"
}

// rawEvent mirrors the wire shape of one stream-json line.
type rawEvent struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	SessionID  string          `json:"session_id"`
	Model      string          `json:"model"`
	Tools      []string        `json:"tools"`
	CWD        string          `json:"cwd"`
	Message    *rawMessage     `json:"message"`
	Usage      *Usage          `json:"usage"`
	CostUSD    float64         `json:"total_cost_usd"`
	DurationMs int64           `json:"duration_ms"`
	NumTurns   int             `json:"num_turns"`
	IsError    bool            `json:"is_error"`
	Result     json.RawMessage `json:"result"`
}

type rawMessage struct {
	Role    string            `json:"role"`
	Model   string            `json:"model"`
	Content []rawContentBlock `json:"content"`
}

type rawContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
}

// resultText extracts the textual result payload. The field is a plain
// string in current CLI versions but has been an object historically.
func (r *rawEvent) resultText() string {
	if len(r.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}
