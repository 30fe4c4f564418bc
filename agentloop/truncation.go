package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/martinemde/toolloop/unifiedllm"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// TruncateOutput keeps at most maxBytes bytes of output. Cut points never
// split a UTF-8 sequence, so slightly fewer bytes may be kept.
func TruncateOutput(output string, maxBytes int, mode TruncationMode) string {
	if maxBytes <= 0 || len(output) <= maxBytes {
		return output
	}

	switch mode {
	case TruncateTail:
		tail := output[runeStartAfter(output, len(output)-maxBytes):]
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d bytes were removed.]\n\n", len(output)-len(tail)) +
			tail
	default:
		half := maxBytes / 2
		head := output[:runeStartBefore(output, half)]
		tail := output[runeStartAfter(output, len(output)-(maxBytes-half)):]
		return head +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d bytes were removed from the middle. "+
				"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n",
				len(output)-len(head)-len(tail)) +
			tail
	}
}

// runeStartBefore moves i back to the start of the rune containing it.
func runeStartBefore(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeStartAfter moves i forward to the start of the next rune.
func runeStartAfter(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// truncateResult shortens the content fed back to the model. Byte
// truncation runs first, then line truncation. Truncated content becomes a
// JSON string.
func truncateResult(r unifiedllm.ToolResult, cfg Config) unifiedllm.ToolResult {
	if cfg.MaxToolResultBytes <= 0 && cfg.MaxToolResultLines <= 0 {
		return r
	}
	text := r.ContentText()
	out := TruncateOutput(text, cfg.MaxToolResultBytes, cfg.TruncationMode)
	out = TruncateLines(out, cfg.MaxToolResultLines)
	if out == text {
		return r
	}
	r.Content, _ = json.Marshal(out)
	return r
}
