package util

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	slugPattern    = regexp.MustCompile(`[^a-z0-9\p{Han}]+`) // keep Chinese characters
	hashtagPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&/#])#([\p{L}\p{N}_]+)`)
)

// EscapeYAML escapes a value for use inside a double-quoted YAML scalar
func EscapeYAML(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

// GenerateSlug creates a URL-friendly slug from title
func GenerateSlug(title string) string {
	slug := strings.ToLower(title)
	slug = slugPattern.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")

	if utf8.RuneCountInString(slug) > 50 {
		slug = string([]rune(slug)[:50])
		slug = strings.Trim(slug, "-")
	}
	return slug
}

// GenerateFilename creates a Jekyll post filename. fallback is used when
// the title yields an empty slug.
func GenerateFilename(title, fallback string, date time.Time) string {
	slug := GenerateSlug(title)
	if slug == "" {
		slug = GenerateSlug(fallback)
	}
	return fmt.Sprintf("%s-%s.md", date.Format("2006-01-02"), slug)
}

// ExtractHashtags returns the #tags found in text, without the leading '#',
// in order of first appearance.
func ExtractHashtags(text string) []string {
	var tags []string
	for _, m := range hashtagPattern.FindAllStringSubmatch(text, -1) {
		tags = append(tags, m[1])
	}
	return MergeHashtags(tags)
}

// MergeHashtags joins tag lists, strips '#' prefixes and drops
// case-insensitive duplicates. The first spelling wins.
func MergeHashtags(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, tag := range list {
			tag = strings.TrimSpace(strings.TrimLeft(tag, "#"))
			if tag == "" {
				continue
			}
			key := strings.ToLower(tag)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// Headline returns title, or the first non-empty line of text truncated to max runes
func Headline(title, text string, max int) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > max {
			return string([]rune(line)[:max]) + "…"
		}
		return line
	}
	return ""
}
