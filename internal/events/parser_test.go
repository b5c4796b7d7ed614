package events

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine_Init(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-sonnet-4","tools":["Read","Write","Bash"],"cwd":"/tmp/ws"}`

	ev, perr := ParseLine([]byte(line))
	require.Nil(t, perr)
	require.Equal(t, KindInit, ev.Kind)
	require.Equal(t, "sess-1", ev.SessionID)
	require.NotNil(t, ev.Init)
	require.Equal(t, "claude-sonnet-4", ev.Init.Model)
	require.Equal(t, []string{"Read", "Write", "Bash"}, ev.Init.Tools)
}

func TestParseLine_AssistantText(t *testing.T) {
	line := `{"type":"assistant","session_id":"sess-1","message":{"role":"assistant","content":[{"type":"text","text":"working on it"}]}}`

	ev, perr := ParseLine([]byte(line))
	require.Nil(t, perr)
	require.Equal(t, KindAssistant, ev.Kind)
	require.Equal(t, "working on it", ev.Assistant.Text)
	require.Empty(t, ev.Assistant.ToolUses)
}

func TestParseLine_AssistantToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"let me write that"},{"type":"tool_use","id":"tu_1","name":"Write","input":{"file_path":"hello.py"}}]}}`

	ev, perr := ParseLine([]byte(line))
	require.Nil(t, perr)
	require.Equal(t, KindAssistant, ev.Kind)
	require.Equal(t, "let me write that", ev.Assistant.Text)
	require.Len(t, ev.Assistant.ToolUses, 1)
	require.Equal(t, "Write", ev.Assistant.ToolUses[0].Name)
	require.Equal(t, "tu_1", ev.Assistant.ToolUses[0].ID)
}

func TestParseLine_ToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","is_error":true}]}}`

	ev, perr := ParseLine([]byte(line))
	require.Nil(t, perr)
	require.Equal(t, KindToolResult, ev.Kind)
	require.Equal(t, "tu_1", ev.ToolResult.ToolUseID)
	require.True(t, ev.ToolResult.IsError)
}

func TestParseLine_Final(t *testing.T) {
	line := `{"type":"result","session_id":"sess-1","is_error":false,"total_cost_usd":0.0123,"num_turns":4,"duration_ms":8200,"usage":{"input_tokens":400,"output_tokens":120,"cache_creation_input_tokens":50,"cache_read_input_tokens":900},"result":"done"}`

	ev, perr := ParseLine([]byte(line))
	require.Nil(t, perr)
	require.Equal(t, KindFinal, ev.Kind)
	require.True(t, ev.Final.Success)
	require.Equal(t, 0.0123, ev.Final.TotalCostUSD)
	require.Equal(t, 4, ev.Final.NumTurns)
	require.Equal(t, int64(8200), ev.Final.DurationMs)
	require.Equal(t, int64(400), ev.Final.Usage.InputTokens)
	require.Equal(t, int64(1470), ev.Final.Usage.Total())
	require.Equal(t, "done", ev.Final.ResultText)
}

func TestParseLine_FinalError(t *testing.T) {
	line := `{"type":"result","is_error":true,"num_turns":1,"result":"budget exceeded"}`

	ev, perr := ParseLine([]byte(line))
	require.Nil(t, perr)
	require.Equal(t, KindFinal, ev.Kind)
	require.False(t, ev.Final.Success)
	require.Equal(t, "budget exceeded", ev.Final.ResultText)
}

func TestParseLine_Malformed(t *testing.T) {
	_, perr := ParseLine([]byte(`{"type":"assistant"`))
	require.NotNil(t, perr)
	require.Equal(t, ParseErrMalformed, perr.Kind)
	require.Contains(t, perr.Raw, `{"type":"assistant"`)
}

func TestParseLine_UnknownType(t *testing.T) {
	ev, perr := ParseLine([]byte(`{"type":"telemetry","weird":true}`))
	require.Nil(t, perr)
	require.Equal(t, KindOther, ev.Kind)
	require.NotEmpty(t, ev.Raw)
}

func TestParseLine_Empty(t *testing.T) {
	ev, perr := ParseLine([]byte("  \n"))
	require.Nil(t, perr)
	require.Equal(t, KindOther, ev.Kind)
}

func TestLineScanner_SplitsLines(t *testing.T) {
	input := "{\"type\":\"system\"}\n{\"type\":\"result\"}\n"
	s := NewLineScanner(strings.NewReader(input))

	line, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, `{"type":"system"}`, string(line))

	line, err = s.Next()
	require.NoError(t, err)
	require.Equal(t, `{"type":"result"}`, string(line))

	_, err = s.Next()
	require.Equal(t, io.EOF, err)
}

func TestLineScanner_FinalUnterminatedLine(t *testing.T) {
	s := NewLineScanner(strings.NewReader(`{"type":"result"}`))

	line, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, `{"type":"result"}`, string(line))

	_, err = s.Next()
	require.Equal(t, io.EOF, err)
}

func TestLineScanner_OversizeLineRecovers(t *testing.T) {
	huge := strings.Repeat("x", 300*1024)
	input := huge + "\n" + `{"type":"result"}` + "\n"
	s := NewLineScannerSize(strings.NewReader(input), 128*1024)

	_, err := s.Next()
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ParseErrOversize, perr.Kind)

	// The stream stays usable after the oversized line is dropped.
	line, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, `{"type":"result"}`, string(line))
}

func TestLineScanner_CRLF(t *testing.T) {
	s := NewLineScanner(strings.NewReader("{\"type\":\"system\"}\r\n"))

	line, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, `{"type":"system"}`, string(line))
}
