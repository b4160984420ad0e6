package config

import (
	"strconv"
	"strings"
)

// normalizeDefaultsValue turns `defaults read` output into the flat form the
// key table parses. Arrays print as a parenthesised, one-item-per-line
// plist; they come back comma-joined so list keys written with
// `defaults write -array` load the same as ones written by `config set`.
func normalizeDefaultsValue(out string) string {
	s := strings.TrimSpace(out)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return s
	}
	var items []string
	for _, line := range strings.Split(s[1:len(s)-1], "\n") {
		item := strings.TrimSuffix(strings.TrimSpace(line), ",")
		if item == "" {
			continue
		}
		if unq, err := strconv.Unquote(item); err == nil {
			item = unq
		}
		items = append(items, item)
	}
	return strings.Join(items, ",")
}
