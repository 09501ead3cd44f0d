package agent

import (
	"regexp"
	"strings"
)

var (
	followupNumberRe = regexp.MustCompile(`^\s*\*{0,2}(\d+)[.)]\*{0,2}\s*(.+)`)
	followupListRe   = regexp.MustCompile(`^\s*[-•*]\s+(.+)`)
	followupCueRe    = regexp.MustCompile(`(?i)(suggest|recommend|next step|follow[- ]?up|further|could also|you might|worth exploring)`)
)

const maxFollowups = 5

// ExtractFollowups pulls follow-up question suggestions out of a finalized
// answer. Numbered and bulleted items count only once a suggestion cue line
// has been seen, so ordinary result lists aren't misread as suggestions.
// Code blocks are skipped entirely.
func ExtractFollowups(content string) []string {
	if content == "" {
		return nil
	}

	var out []string
	inCodeBlock := false
	inSuggestionSection := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inCodeBlock = !inCodeBlock
			continue
		}
		if inCodeBlock || trimmed == "" {
			continue
		}

		if followupCueRe.MatchString(trimmed) {
			inSuggestionSection = true
		}
		if !inSuggestionSection {
			continue
		}

		var text string
		if m := followupNumberRe.FindStringSubmatch(trimmed); len(m) > 2 {
			text = strings.TrimSpace(m[2])
		} else if m := followupListRe.FindStringSubmatch(trimmed); len(m) > 1 {
			text = strings.TrimSpace(m[1])
		}
		if text == "" {
			continue
		}

		text = strings.Trim(text, "*_ ")
		if len(text) < 8 {
			continue
		}
		out = append(out, text)
		if len(out) >= maxFollowups {
			break
		}
	}
	return out
}
