package proxy

import "strings"

// CanonicalModelName strips the parts of an Ollama client model name that
// don't change which backend model is meant: the last ":latest" occurrence
// and everything after it, and after that, a trailing ":<digits>" tag
// (Ollama's numeric revision convention). "llama3:latest" and "llama3:8"
// both canonicalize to
// "llama3"; "llama3:instruct" is left untouched since "instruct" isn't
// numeric.
func CanonicalModelName(name string) string {
	if name == "" {
		return name
	}

	afterLatest := name
	if idx := strings.LastIndex(name, ":latest"); idx != -1 {
		afterLatest = name[:idx]
	}

	colonPos := strings.LastIndex(afterLatest, ":")
	if colonPos <= 0 {
		return afterLatest
	}

	suffix := afterLatest[colonPos+1:]
	if suffix == "" || !isAllDigits(suffix) {
		return afterLatest
	}

	return afterLatest[:colonPos]
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
