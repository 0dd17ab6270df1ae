package integrity

import (
	"fmt"
	"regexp"
	"strings"
)

// Execution output can carry credentials and PII the device scraped off a
// host. SanitizeOutput scrubs it before persistence or broadcast. Private
// IPv4 addresses keep their first two octets for debuggability; everything
// else is redacted outright.

const maxSanitizeDepth = 10

var (
	rePEMKey   = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)
	reAWSKey   = regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)
	reAPIKeyKV = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|auth[_-]?token|client[_-]?secret)\s*[=:]\s*\S+`)
	reSKKey    = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`)
	reMAC      = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`)
	reIPv4     = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})\b`)
	reIPv6     = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){2,7}[0-9A-Fa-f]{1,4}\b`)
	reEmail    = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	reSSN      = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reCard     = regexp.MustCompile(`\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`)
	rePhone    = regexp.MustCompile(`\+?1?[-. ]?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)
)

// Keys whose values are replaced entirely, regardless of content.
var sensitiveKeys = map[string]bool{
	"password":   true,
	"secret":     true,
	"token":      true,
	"apikey":     true,
	"api_key":    true,
	"privatekey": true,
}

// SanitizeString scrubs a single string.
func SanitizeString(s string) string {
	s = rePEMKey.ReplaceAllString(s, "<PRIVATE_KEY_REDACTED>")
	s = reAWSKey.ReplaceAllString(s, "<AWS_KEY_REDACTED>")
	s = reAPIKeyKV.ReplaceAllString(s, "<API_KEY_REDACTED>")
	s = reSKKey.ReplaceAllString(s, "<API_KEY_REDACTED>")
	s = reMAC.ReplaceAllString(s, "<MAC_REDACTED>")
	s = reIPv4.ReplaceAllStringFunc(s, redactIPv4)
	s = reIPv6.ReplaceAllString(s, "<IPV6_REDACTED>")
	s = reEmail.ReplaceAllString(s, "<EMAIL_REDACTED>")
	s = reSSN.ReplaceAllString(s, "<SSN_REDACTED>")
	s = reCard.ReplaceAllString(s, "<CARD_REDACTED>")
	s = rePhone.ReplaceAllString(s, "<PHONE_REDACTED>")
	return s
}

// SanitizeOutput scrubs an arbitrary JSON-shaped value. Maps and slices are
// walked recursively up to maxSanitizeDepth.
func SanitizeOutput(v any) any {
	return sanitizeValue(v, 0)
}

func sanitizeValue(v any, depth int) any {
	if depth > maxSanitizeDepth {
		return "<MAX_DEPTH_EXCEEDED>"
	}

	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = "<REDACTED>"
				continue
			}
			out[k] = sanitizeValue(child, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeValue(child, depth+1)
		}
		return out
	default:
		return v
	}
}

// redactIPv4 keeps a.b of RFC1918 addresses and redacts public ones fully.
func redactIPv4(ip string) string {
	m := reIPv4.FindStringSubmatch(ip)
	if m == nil {
		return "<IP_REDACTED>"
	}
	a, b := m[1], m[2]
	private := a == "10" ||
		(a == "192" && b == "168") ||
		(a == "172" && between(b, 16, 31))
	if private {
		return fmt.Sprintf("%s.%s.*.*", a, b)
	}
	return "<IP_REDACTED>"
}

func between(s string, lo, hi int) bool {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n >= lo && n <= hi
}
