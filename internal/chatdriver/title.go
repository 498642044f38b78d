package chatdriver

import (
	"regexp"
	"strings"
)

var (
	codeFencePattern    = regexp.MustCompile("```[\\s\\S]*?```")
	markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	urlPattern          = regexp.MustCompile(`https?://\S+`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
	sentenceEndPattern  = regexp.MustCompile(`[.!?](\s|$)`)
)

const maxTitleLength = 150
const minFirstSentenceLength = 8

// DeriveTitle builds a conversation title from the first prompt: strip
// code fences, markdown markup, and URLs; collapse whitespace; cut to at
// most 150 characters, preferring the first sentence when it is at least
// 8 characters long (spec §4.9).
func DeriveTitle(prompt string) string {
	clean := codeFencePattern.ReplaceAllString(prompt, " ")
	clean = urlPattern.ReplaceAllString(clean, " ")
	clean = markdownLinkPattern.ReplaceAllString(clean, "$1")
	clean = strings.NewReplacer("*", " ", "_", " ", "#", " ", "`", " ", ">", " ").Replace(clean)
	clean = whitespacePattern.ReplaceAllString(clean, " ")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return ""
	}

	if loc := sentenceEndPattern.FindStringIndex(clean); loc != nil {
		candidate := strings.TrimSpace(clean[:loc[0]+1])
		if len(candidate) >= minFirstSentenceLength && len(candidate) <= maxTitleLength {
			return candidate
		}
	}

	if len(clean) <= maxTitleLength {
		return clean
	}
	return strings.TrimSpace(clean[:maxTitleLength])
}
