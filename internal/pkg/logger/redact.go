package logger

import "strings"

// RedactEmail masks an address for log output, keeping the domain.
// "john.doe@example.com" → "jo***@example.com"; short local parts are fully
// masked. Empty input stays empty.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return "***@***"
	}
	name, domain := email[:at], email[at+1:]
	if len(name) > 2 {
		return name[:2] + "***@" + domain
	}
	return "***@" + domain
}
