package metrics

import (
	"strings"
	"unicode"
)

// knownErrors labels the error types a relay run produces.
var knownErrors = map[string]string{
	"transport.HTTPError":           "HTTP error response",
	"transport.ConnectionError":     "Connection error",
	"auth.AuthError":                "Auth error",
	"pool.HandlerFailure":           "Handler failure",
	"poll.AssertionTimeout":         "Assertion timeout",
	"stream.DecodeError":            "Stream decode error",
	"websocket.CloseError":          "Stream closed",
	"url.Error":                     "Request URL error",
	"net.OpError":                   "Network error",
	"context.deadlineExceededError": "Context deadline exceeded",
}

// FriendlyErrorName turns a %T type name such as "*auth.AuthError" into a
// label for reports. Unknown types are split into words with their package
// in parentheses.
func FriendlyErrorName(typeName string) string {
	name := strings.TrimPrefix(strings.TrimSpace(typeName), "*")
	if name == "" {
		return "Unknown error"
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if label, ok := knownErrors[name]; ok {
		return label
	}

	pkg, typ, found := strings.Cut(name, ".")
	if !found {
		pkg, typ = "", name
	}
	words := splitWords(typ)
	if len(words) == 0 {
		return typ
	}
	label := strings.Join(words, " ")
	if pkg == "" || pkg == "main" {
		return label
	}
	return label + " (" + pkg + ")"
}

// splitWords breaks a camel-case identifier at case changes and digit runs,
// keeping acronyms such as "HTTP" whole and capitalizing the rest.
func splitWords(ident string) []string {
	runes := []rune(ident)
	var words []string
	start := 0
	flush := func(end int) {
		if end <= start {
			return
		}
		w := string(runes[start:end])
		if strings.ToUpper(w) != w {
			w = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
		words = append(words, w)
		start = end
	}
	for i := 1; i < len(runes); i++ {
		prev, r := runes[i-1], runes[i]
		nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		switch {
		case unicode.IsUpper(r) && unicode.IsLower(prev),
			unicode.IsUpper(r) && unicode.IsUpper(prev) && nextLower,
			unicode.IsDigit(r) && !unicode.IsDigit(prev):
			flush(i)
		}
	}
	flush(len(runes))
	return words
}
