package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// redactRule masks matches of re. Keyed rules keep their first group (the
// key and separator) and mask only the value.
type redactRule struct {
	re    *regexp.Regexp
	keyed bool
}

// Redactor masks credentials in log output: provider API keys, bearer
// tokens, keyed values such as api_key or shared_secret, and AWS key IDs.
type Redactor struct {
	rules []redactRule
}

// NewRedactor creates a redactor with the default rules.
func NewRedactor() *Redactor {
	return &Redactor{rules: []redactRule{
		{re: regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_-]{20,}`)},
		{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{re: regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/=-]+`), keyed: true},
		{re: regexp.MustCompile(`(?i)((?:api[-_]?key|x-tollgate-secret|shared_secret|secret|password|pwd)"?\s*[:=]\s*"?)[^\s",}]+`), keyed: true},
		{re: regexp.MustCompile(`(?i)(token"?\s*[:=]\s*"?)[A-Za-z0-9._-]{20,}`), keyed: true},
	}}
}

// AddPattern adds a rule masking every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactRule{re: re})
	return nil
}

// Redact returns s with every rule applied.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		if rule.keyed {
			s = rule.re.ReplaceAllString(s, "${1}"+redacted)
		} else {
			s = rule.re.ReplaceAllLiteralString(s, redacted)
		}
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return redactingWriter{w: w, r: r}
}

type redactingWriter struct {
	w io.Writer
	r *Redactor
}

// Write reports len(p) on success since callers account for the bytes they
// handed in, not the redacted length.
func (rw redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(rw.w, rw.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
