package security

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

const redacted = "[REDACTED]"

var (
	secretKeyPattern     = regexp.MustCompile(`(?i)^(?:otp|password|passwd|secret|client[_-]?secret|api[_-]?key|private[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)$`)
	secretKeyExpr        = `(?:otp|password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
)

// RedactPayload scrubs secrets from free text such as log lines and error
// messages.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return redacted
		}
		return match[:idx+1] + " " + redacted
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}`+redacted)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+redacted)
	return out
}

// IsSecretKey reports whether a payload key holds a credential, e.g. "otp".
func IsSecretKey(key string) bool {
	return secretKeyPattern.MatchString(strings.TrimSpace(key))
}

// RedactJSON replaces the value of every secret key in a JSON document, OTP
// codes included, at any depth. Input that is not JSON falls back to
// RedactPayload.
func RedactJSON(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return []byte(RedactPayload(string(data)))
	}
	out, err := json.Marshal(redactValue(doc))
	if err != nil {
		return []byte(RedactPayload(string(data)))
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if IsSecretKey(k) {
				t[k] = redacted
				continue
			}
			t[k] = redactValue(inner)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	default:
		return v
	}
}
