package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"

	"pgprobe/internal/platform/apperr"
)

// Getenv returns the trimmed value of k in environ (os.Environ when nil), or
// d when k is unset or blank. The first occurrence of k wins.
func Getenv(environ func() []string, k, d string) string {
	if environ == nil {
		environ = os.Environ
	}
	for _, kv := range environ() {
		name, v, ok := strings.Cut(kv, "=")
		if !ok || name != k {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		break
	}
	return d
}

// WithDotenv returns an environ function that layers the variables of a
// dotenv file under base. Variables already present in base win.
func WithDotenv(path string, base func() []string) (func() []string, error) {
	if base == nil {
		base = os.Environ
	}
	if path == "" {
		return base, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, apperr.New(apperr.ErrConfig, "env file "+path, err)
	}
	return func() []string {
		env := base()
		seen := make(map[string]struct{}, len(env))
		for _, kv := range env {
			k, _, _ := strings.Cut(kv, "=")
			seen[k] = struct{}{}
		}
		out := make([]string, 0, len(env)+len(vars))
		out = append(out, env...)
		for k, v := range vars {
			if _, ok := seen[k]; ok {
				continue
			}
			out = append(out, k+"="+v)
		}
		return out
	}, nil
}
