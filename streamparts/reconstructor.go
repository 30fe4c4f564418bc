package streamparts

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/martinemde/toolloop/unifiedllm"
)

var (
	// ErrIncompleteStream is returned when the event source closes before a
	// completion event.
	ErrIncompleteStream = errors.New("streamparts: stream ended before completion")

	// ErrFinished is returned when events are fed after the stream finished.
	ErrFinished = errors.New("streamparts: stream already finished")

	// ErrConsumed is returned when a reconstructed sequence is iterated twice.
	ErrConsumed = errors.New("streamparts: sequence already consumed")
)

// Reconstructor is the per-stream state machine. It is not safe for
// concurrent use and must not be reused across streams.
type Reconstructor struct {
	text        strings.Builder
	textStarted bool

	// Tool call ids in first-fragment order, with their argument buffers.
	// A buffer is dropped as soon as its ToolInputEnd is produced.
	open []string
	args map[string]*strings.Builder

	finished bool
}

// NewReconstructor returns a Reconstructor for a single stream.
func NewReconstructor() *Reconstructor {
	return &Reconstructor{args: make(map[string]*strings.Builder)}
}

// Done reports whether Finish has been produced or the stream failed.
func (r *Reconstructor) Done() bool { return r.finished }

// Feed consumes one event and returns the parts it produces, in order. A
// StreamError event is returned as an error; no parts follow it.
func (r *Reconstructor) Feed(ev unifiedllm.StreamEvent) ([]Part, error) {
	if r.finished {
		return nil, ErrFinished
	}

	switch e := ev.(type) {
	case unifiedllm.TextChunk:
		if e.Text == "" {
			return nil, nil
		}
		r.text.WriteString(e.Text)
		if !r.textStarted {
			r.textStarted = true
			return []Part{TextStart{}, TextDelta{Text: e.Text}}, nil
		}
		return []Part{TextDelta{Text: e.Text}}, nil

	case unifiedllm.ThinkingChunk:
		return []Part{ThinkingDelta{Text: e.Text}}, nil

	case unifiedllm.ToolCallChunk:
		if e.ID == "" {
			return nil, fmt.Errorf("streamparts: tool call fragment without id (name %q)", e.Name)
		}
		buf, ok := r.args[e.ID]
		if !ok {
			buf = &strings.Builder{}
			r.args[e.ID] = buf
			r.open = append(r.open, e.ID)
			buf.WriteString(e.ArgumentsDelta)
			return []Part{
				ToolInputStart{ID: e.ID, ToolName: e.Name},
				ToolInputDelta{ID: e.ID, Delta: e.ArgumentsDelta},
			}, nil
		}
		buf.WriteString(e.ArgumentsDelta)
		return []Part{ToolInputDelta{ID: e.ID, Delta: e.ArgumentsDelta}}, nil

	case unifiedllm.Completion:
		if e.Response == nil {
			r.finished = true
			return nil, errors.New("streamparts: completion without response")
		}
		return r.finish(e.Response), nil

	case unifiedllm.StreamError:
		r.finished = true
		if e.Err == nil {
			return nil, errors.New("streamparts: stream error")
		}
		return nil, e.Err

	default:
		return nil, fmt.Errorf("streamparts: unknown stream event %T", ev)
	}
}

func (r *Reconstructor) finish(resp *unifiedllm.Response) []Part {
	calls := resp.ToolCalls()
	byID := make(map[string]unifiedllm.ToolCall, len(calls))
	for _, c := range calls {
		byID[c.ID] = c
	}

	parts := make([]Part, 0, 2*len(r.open)+2)
	for _, id := range r.open {
		parts = append(parts, ToolInputEnd{ID: id, Arguments: r.args[id].String()})
		delete(r.args, id)
		if call, ok := byID[id]; ok {
			parts = append(parts, ToolCallFinal{Call: call})
		}
	}
	r.open = nil

	if r.textStarted {
		parts = append(parts, TextEnd{Text: r.text.String()})
	}
	parts = append(parts, Finish{Result: finishResult(resp)})
	r.finished = true
	return parts
}

// Reconstruct lazily transforms events into parts. The sequence ends after
// Finish, or with a single error: the StreamError's error, ctx.Err() on
// cancellation, or ErrIncompleteStream if events closes early. It reads from
// events on the caller's goroutine and can be iterated only once.
func Reconstruct(ctx context.Context, events <-chan unifiedllm.StreamEvent) iter.Seq2[Part, error] {
	consumed := false
	return func(yield func(Part, error) bool) {
		if consumed {
			yield(nil, ErrConsumed)
			return
		}
		consumed = true

		r := NewReconstructor()
		for {
			var (
				ev unifiedllm.StreamEvent
				ok bool
			)
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case ev, ok = <-events:
			}
			if !ok {
				yield(nil, ErrIncompleteStream)
				return
			}

			parts, err := r.Feed(ev)
			for _, p := range parts {
				if !yield(p, nil) {
					return
				}
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if r.Done() {
				return
			}
		}
	}
}

// Collect drains seq, returning every part produced before the first error.
func Collect(seq iter.Seq2[Part, error]) ([]Part, error) {
	var parts []Part
	for p, err := range seq {
		if err != nil {
			return parts, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}
