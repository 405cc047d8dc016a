package source

import (
	"regexp"
	"strings"
)

var (
	urlPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^\[\]` + "`" + `]+`)

	// Checked in order; the first platform with a match wins even if a
	// generic link appears earlier in the text.
	joinURLPatterns = []*regexp.Regexp{
		regexp.MustCompile(`https://meet\.google\.com/[a-z]+(?:-[a-z]+)+`),
		regexp.MustCompile(`https://(?:[a-z0-9-]+\.)?zoom\.us/(?:j|my|w)/[^\s"<>]+`),
		regexp.MustCompile(`https://teams\.(?:microsoft|live)\.com/(?:l/meetup-join|meet)/[^\s"<>]+`),
		regexp.MustCompile(`https://[a-z0-9-]+\.webex\.com/[^\s"<>]+`),
	}
)

// ExtractJoinURL finds the meeting link in free text such as an event's
// LOCATION and DESCRIPTION. Known platforms take priority over other links.
func ExtractJoinURL(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	for _, pattern := range joinURLPatterns {
		if match := pattern.FindString(text); match != "" {
			return trimURLPunctuation(match)
		}
	}
	return ""
}

// firstURL is the fallback for explicit URL properties, where any link is
// taken at face value.
func firstURL(text string) string {
	if match := urlPattern.FindString(text); match != "" {
		return trimURLPunctuation(match)
	}
	return ""
}

func trimURLPunctuation(raw string) string {
	return strings.TrimRight(raw, ".,;:)'")
}
