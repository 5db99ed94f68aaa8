package llm

import (
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"vibe/internal/shared/jsonx"
	"vibe/internal/verr"
)

// UnmarshalCompletion decodes a model completion into out.
//
// Models routinely wrap JSON in markdown fences or emit slightly malformed
// documents (trailing commas, single quotes). The raw text is tried first;
// on failure the fenced block is extracted and the jsonrepair library gets a
// chance to fix it before the parse error surfaces.
func UnmarshalCompletion(raw string, out any) error {
	candidate := extractJSONBlock(raw)
	if candidate == "" {
		return verr.New(verr.KindParse, "completion contains no JSON")
	}

	if err := jsonx.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(candidate)
	if repairErr != nil {
		return verr.Wrap(repairErr, verr.KindParse, "completion JSON could not be repaired")
	}
	if err := jsonx.Unmarshal([]byte(repaired), out); err != nil {
		return verr.Wrap(err, verr.KindParse, "repaired completion JSON still invalid")
	}
	return nil
}

// extractJSONBlock strips markdown fences and leading prose around the first
// JSON object or array in the completion.
func extractJSONBlock(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		} else {
			text = strings.TrimSpace(rest)
		}
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	return text[start:]
}
