package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/toolloop/unifiedllm"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(call unifiedllm.ToolCall) string {
	h := sha256.Sum256(compactJSON(call.Arguments))
	return fmt.Sprintf("%s:%x", call.Name, h[:8])
}

func compactJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// loopDetector tracks tool call signatures across the steps of one run.
type loopDetector struct {
	window int
	sigs   []string
}

func (d *loopDetector) observe(calls []unifiedllm.ToolCall) {
	if d.window <= 0 {
		return
	}
	for _, c := range calls {
		d.sigs = append(d.sigs, toolCallSignature(c))
	}
	if extra := len(d.sigs) - d.window; extra > 0 {
		d.sigs = d.sigs[extra:]
	}
}

func (d *loopDetector) detected() bool {
	return detectLoop(d.sigs, d.window)
}

// detectLoop checks if the last windowSize signatures follow a repeating
// pattern of length 1, 2, or 3.
func detectLoop(sigs []string, windowSize int) bool {
	if windowSize <= 0 || len(sigs) < windowSize {
		return false
	}
	sigs = sigs[len(sigs)-windowSize:]

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 || windowSize == patternLen {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
