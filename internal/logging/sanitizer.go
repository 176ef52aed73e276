package logging

import (
	"regexp"
	"sync"
)

// Sanitizer redacts credentials from log output. Panic actions are shell
// commands and frequently carry tokens for uploading cores or paging.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with the default credential patterns.
func NewSanitizer() *Sanitizer {
	defaults := defaultPatterns()
	patterns := make([]*regexp.Regexp, len(defaults))
	copy(patterns, defaults)
	return &Sanitizer{
		patterns: patterns,
		redacted: "[REDACTED]",
	}
}

// credentialPatterns match secrets as they appear in panic actions: upload
// URLs, curl flags, paging hooks and key=value arguments.
var credentialPatterns = []string{
	`://[^/\s:@]+:[^/\s@]+@`,                         // user:pass@host
	`(?:-u|--user)\s+[^\s:]+:\S+`,                    // curl -u user:pass
	`(?i)(?:bearer|basic)\s+[a-zA-Z0-9._~+/=-]{16,}`, // Authorization header values
	`hooks\.slack\.com/services/\S+`,
	`xox[baprs]-[0-9a-zA-Z-]{10,}`,
	`gh[pousr]_[A-Za-z0-9]{36}`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)aws[_-]?secret[_-]?access[_-]?key["'\s:=]+[A-Za-z0-9/+=]{40}`,
	`(?i)(?:api[_-]?key|routing[_-]?key|secret|token|passw(?:or)?d)["'\s:=]+[^\s"']{8,}`,
}

var defaultPatterns = sync.OnceValue(func() []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(credentialPatterns))
	for _, p := range credentialPatterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
})

// Sanitize redacts every credential match in input.
func (s *Sanitizer) Sanitize(input string) string {
	for _, re := range s.patterns {
		input = re.ReplaceAllString(input, s.redacted)
	}
	return input
}

// AddPattern adds a site-specific pattern, for example an internal
// ticketing token format.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}

// SetRedactedPlaceholder sets the replacement text.
func (s *Sanitizer) SetRedactedPlaceholder(placeholder string) {
	s.redacted = placeholder
}
