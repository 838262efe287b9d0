package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSlug(t *testing.T) {
	assert.Equal(t, "hello-world", GenerateSlug("Hello, World!"))
	assert.Equal(t, "go-并发", GenerateSlug("Go 并发"))
	assert.Equal(t, "", GenerateSlug("!!!"))
	long := GenerateSlug("abcdefghij abcdefghij abcdefghij abcdefghij abcdefghij abcdefghij")
	assert.LessOrEqual(t, len([]rune(long)), 50)
	assert.NotEqual(t, '-', rune(long[len(long)-1]))
}

func TestGenerateFilename(t *testing.T) {
	date := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-04-launch-day.md", GenerateFilename("Launch Day", "x", date))
	assert.Equal(t, "2026-03-04-item-42.md", GenerateFilename("", "item 42", date))
}

func TestEscapeYAML(t *testing.T) {
	assert.Equal(t, `say \"hi\"\nbye`, EscapeYAML("say \"hi\"\nbye"))
	assert.Equal(t, `a\\b`, EscapeYAML(`a\b`))
}

func TestExtractHashtags(t *testing.T) {
	got := ExtractHashtags("Shipping #golang today! #Go #golang and issue#12 skipped. #发布")
	assert.Equal(t, []string{"golang", "Go", "发布"}, got)
	assert.Empty(t, ExtractHashtags("no tags here"))
	assert.Empty(t, ExtractHashtags("https://example.com/#anchor"))
}

func TestMergeHashtags(t *testing.T) {
	got := MergeHashtags([]string{"#Launch", "news"}, []string{"launch", "", "#"}, []string{"Extra"})
	assert.Equal(t, []string{"Launch", "news", "Extra"}, got)
}

func TestHeadline(t *testing.T) {
	assert.Equal(t, "Title", Headline(" Title ", "body", 10))
	assert.Equal(t, "first line", Headline("", "\n  first line\nsecond", 20))
	assert.Equal(t, "abc…", Headline("", "abcdef", 3))
	assert.Equal(t, "", Headline("", "  \n ", 3))
}
