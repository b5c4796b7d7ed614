package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik/internal/claude"
	"github.com/namastexlabs/automagik/internal/log"
	"github.com/namastexlabs/automagik/internal/registry"
)

// InjectMessage delivers a user message to a live stream-json run. The text
// goes to the child verbatim as one JSONL line; writes serialize per run on
// the stdin handle.
func (o *Orchestrator) InjectMessage(ctx context.Context, id registry.RunID, text string) (*MessageReceipt, error) {
	if text == "" {
		return nil, &ValidationError{Field: "message", Reason: "required"}
	}

	o.mu.Lock()
	entry := o.active[id]
	o.mu.Unlock()

	if entry == nil {
		run, err := o.registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return nil, ErrAlreadyDone
		}
		return nil, ErrNotRunning
	}

	if entry.inputFormat != claude.InputStreamJSON {
		return nil, ErrWrongInputFormat
	}

	// The acquisition timeout covers the child's initialization window; a
	// child still booting holds the writer while the prompt goes in.
	injectCtx, cancel := context.WithTimeout(ctx, injectAcquireTimeout)
	defer cancel()

	err := entry.process.Inject(injectCtx, claude.EncodeUserMessage(text))
	switch {
	case errors.Is(err, claude.ErrStdinBusy):
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	case errors.Is(err, claude.ErrStdinClosed):
		return nil, ErrNotRunning
	case err != nil:
		return nil, err
	}

	receipt := &MessageReceipt{
		MessageID:  uuid.NewString(),
		InjectedAt: o.clock.Now(),
	}
	log.Info(log.CatRun, "message injected",
		"run_id", id, "message_id", receipt.MessageID, "bytes", len(text))
	return receipt, nil
}
