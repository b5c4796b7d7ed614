package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// MaxLineBytes caps a single stdout line. Tool outputs can be large but a
// line beyond this is treated as hostile and dropped.
const MaxLineBytes = 1 << 20

// rawSampleBytes is how much of a bad line is kept on a ParseError.
const rawSampleBytes = 512

// ParseLine converts one complete line into an Event. It never panics;
// malformed input comes back as a *ParseError.
func ParseLine(line []byte) (Event, *ParseError) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{Kind: KindOther, Timestamp: time.Now()}, nil
	}

	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, &ParseError{Kind: ParseErrMalformed, Raw: sample(line)}
	}

	ev := Event{
		SessionID: raw.SessionID,
		Timestamp: time.Now(),
		Raw:       json.RawMessage(append([]byte(nil), line...)),
	}

	switch raw.Type {
	case "system":
		if raw.Subtype == "init" {
			ev.Kind = KindInit
			ev.Init = &InitPayload{
				SessionID: raw.SessionID,
				Model:     raw.Model,
				Tools:     raw.Tools,
				CWD:       raw.CWD,
			}
			return ev, nil
		}
		ev.Kind = KindOther
		return ev, nil

	case "assistant":
		ev.Kind = KindAssistant
		ev.Assistant = assistantPayload(raw.Message)
		return ev, nil

	case "user":
		if tr := toolResultBlock(raw.Message); tr != nil {
			ev.Kind = KindToolResult
			ev.ToolResult = tr
			return ev, nil
		}
		ev.Kind = KindOther
		return ev, nil

	case "result":
		ev.Kind = KindFinal
		final := &FinalPayload{
			Success:      !raw.IsError,
			TotalCostUSD: raw.CostUSD,
			NumTurns:     raw.NumTurns,
			DurationMs:   raw.DurationMs,
			ResultText:   raw.resultText(),
		}
		if raw.Usage != nil {
			final.Usage = *raw.Usage
		}
		ev.Final = final
		return ev, nil

	default:
		ev.Kind = KindOther
		return ev, nil
	}
}

func assistantPayload(msg *rawMessage) *AssistantPayload {
	p := &AssistantPayload{}
	if msg == nil {
		return p
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			p.ToolUses = append(p.ToolUses, ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	p.Text = text.String()
	return p
}

func toolResultBlock(msg *rawMessage) *ToolResultPayload {
	if msg == nil {
		return nil
	}
	for _, block := range msg.Content {
		if block.Type == "tool_result" {
			return &ToolResultPayload{
				ToolUseID: block.ToolUseID,
				IsError:   block.IsError,
			}
		}
	}
	return nil
}

func sample(line []byte) string {
	if len(line) > rawSampleBytes {
		line = line[:rawSampleBytes]
	}
	return string(line)
}

// LineScanner yields newline-delimited lines from r, accumulating partial
// reads and enforcing MaxLineBytes. Oversized lines are discarded up to the
// next newline and reported as a ParseError rather than aborting the stream,
// which bufio.Scanner would do.
type LineScanner struct {
	r   *bufio.Reader
	max int
}

// NewLineScanner wraps r with the default line cap.
func NewLineScanner(r io.Reader) *LineScanner {
	return NewLineScannerSize(r, MaxLineBytes)
}

// NewLineScannerSize wraps r with an explicit cap, for tests.
func NewLineScannerSize(r io.Reader, max int) *LineScanner {
	return &LineScanner{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// Next returns the next line without its terminator. At end of stream it
// returns the final unterminated line (if any) and then io.EOF. An oversized
// line yields a *ParseError with Kind oversize; the scanner stays usable.
func (s *LineScanner) Next() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := s.r.ReadSlice('\n')
		buf = append(buf, chunk...)

		switch err {
		case nil:
			// Complete line; strip the newline.
			return bytes.TrimRight(buf, "\r\n"), nil

		case bufio.ErrBufferFull:
			if len(buf) > s.max {
				dropErr := s.discardToNewline()
				perr := &ParseError{Kind: ParseErrOversize, Raw: sample(buf)}
				if dropErr != nil {
					return nil, perr // Stream ended mid-discard; next call sees EOF.
				}
				return nil, perr
			}
			// Keep accumulating.

		default:
			if len(buf) > 0 && err == io.EOF {
				return bytes.TrimRight(buf, "\r\n"), nil
			}
			return nil, err
		}
	}
}

// discardToNewline drains the remainder of an oversized line.
func (s *LineScanner) discardToNewline() error {
	for {
		_, err := s.r.ReadSlice('\n')
		switch err {
		case nil:
			return nil
		case bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}
