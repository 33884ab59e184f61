package builtin

// HasEdgeSpace reports whether s starts or ends with ASCII whitespace.
// Callers use it to skip strings.TrimSpace on already-trimmed values.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isASCIISpace(s[0]) || isASCIISpace(s[len(s)-1])
}

func isASCIISpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
