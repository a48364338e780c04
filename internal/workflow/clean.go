package workflow

import "strings"

const fence = "```"

// Clean strips a markdown code fence from generated text and trims surrounding
// whitespace. The opening fence line (with any language tag) is dropped, as is
// a trailing fence when present. A single-line "```cmd```" is unwrapped to
// "cmd". Text that is not fenced is only trimmed, and Clean(Clean(s)) == Clean(s).
func Clean(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, fence) {
		return text
	}

	body := strings.TrimPrefix(text, fence)
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Multi-line block: the remainder of the first line is a language tag.
		body = body[nl+1:]
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, fence)
	body = strings.TrimSpace(body)

	// A nested fence (e.g. "``````") would otherwise survive one pass.
	if strings.HasPrefix(body, fence) {
		return Clean(body)
	}
	return body
}
