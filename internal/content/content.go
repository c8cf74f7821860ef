package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const titleLen = 254

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	furlStrip     = strings.NewReplacer(" ", "-", ".", "", "/", "", "\\", "", "'", "")
	markdown      = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like usernames and post content.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts post content from markdown to sanitized HTML.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

// Title derives a post title from its content: the first 254 characters.
func Title(content string) string {
	runes := []rune(content)
	if len(runes) > titleLen {
		runes = runes[:titleLen]
	}
	return string(runes)
}

// Furl derives a friendly-URL slug from a post title: lowercased,
// spaces turned into dashes, dots, slashes and quotes stripped.
func Furl(title string) string {
	return furlStrip.Replace(strings.ToLower(title))
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
