package logger

import (
	"regexp"
	"strings"
)

// redactPIIValue masks recipient identifiers before a field value is
// logged. Known field names get targeted masking; everything else is
// scanned for embedded chat handles.
func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "phone") {
		return RedactPhone(val)
	}
	if strings.Contains(key, "username") {
		return RedactUsername(val)
	}
	return usernameRegex.ReplaceAllStringFunc(val, RedactUsername)
}

var usernameRegex = regexp.MustCompile(`@[a-zA-Z][a-zA-Z0-9_]{4,31}`)

// RedactUsername masks a chat handle for safe logging.
// "@john_doe" → "@jo***"
// Short handles (≤2 chars after the @) are fully masked: "@ab" → "@***"
func RedactUsername(handle string) string {
	name := handle
	if len(name) > 0 && name[0] == '@' {
		name = name[1:]
	}
	if len(name) > 2 {
		return "@" + name[:2] + "***"
	}
	return "@***"
}

var digitRegex = regexp.MustCompile(`\d`)

// RedactPhone masks a phone number, keeping the last two digits.
// "+15551234567" → "+*********67"
func RedactPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 2 {
		return "***"
	}
	seen := 0
	return digitRegex.ReplaceAllStringFunc(phone, func(d string) string {
		seen++
		if seen > digits-2 {
			return d
		}
		return "*"
	})
}
