package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer wraps a zapcore.Core and masks secret material before it
// reaches any sink. Two sources feed it: explicitly registered values (the
// per-execution proxy bearer token, resolved upstream header secrets) and
// pattern matches for well-known token shapes.
type SecretSanitizer struct {
	zapcore.Core
	patterns []*secretPattern
	resolved *sync.Map
}

type secretPattern struct {
	name     string
	regex    *regexp.Regexp
	maskFunc func(string) string
}

// NewSecretSanitizer creates a sanitizing core wrapping the provided core.
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	s := &SecretSanitizer{
		Core:     core,
		resolved: &sync.Map{},
	}
	s.registerDefaultPatterns()
	return s
}

func (s *SecretSanitizer) registerDefaultPatterns() {
	// Authorization headers. The proxy's own tokens always travel as
	// "Bearer <64 hex>", but upstream headers carry arbitrary schemes.
	s.patterns = append(s.patterns, &secretPattern{
		name:  "bearer_token",
		regex: regexp.MustCompile(`\b(Bearer\s+[A-Za-z0-9\-._~+/]+=*)\b`),
		maskFunc: func(token string) string {
			parts := strings.SplitN(token, " ", 2)
			if len(parts) != 2 || len(parts[1]) <= 4 {
				return "Bearer ****"
			}
			return "Bearer " + parts[1][:4] + "***" + parts[1][len(parts[1])-2:]
		},
	})

	// Bare 64-hex strings are almost certainly execution tokens.
	s.patterns = append(s.patterns, &secretPattern{
		name:  "hex_token",
		regex: regexp.MustCompile(`\b([0-9a-f]{64})\b`),
		maskFunc: func(token string) string {
			return token[:6] + "***" + token[len(token)-4:]
		},
	})

	// Common provider key shapes seen in upstream header maps.
	s.patterns = append(s.patterns, &secretPattern{
		name:  "github_token",
		regex: regexp.MustCompile(`\b(gh[poushr]_[A-Za-z0-9]{36,255})\b`),
		maskFunc: func(token string) string {
			return token[:7] + "***" + token[len(token)-2:]
		},
	})
	s.patterns = append(s.patterns, &secretPattern{
		name:  "api_key",
		regex: regexp.MustCompile(`\b(sk-[A-Za-z0-9\-]{20,})\b`),
		maskFunc: func(key string) string {
			return key[:5] + "***" + key[len(key)-2:]
		},
	})
	s.patterns = append(s.patterns, &secretPattern{
		name:  "aws_key",
		regex: regexp.MustCompile(`\b(AKIA[0-9A-Z]{16})\b`),
		maskFunc: func(key string) string {
			return key[:8] + "***" + key[len(key)-2:]
		},
	})
}

// RegisterResolvedSecret registers a secret value so every future log line
// containing it gets masked. Values shorter than 8 bytes are ignored; the
// substring replacement would mangle ordinary text.
func (s *SecretSanitizer) RegisterResolvedSecret(value string) {
	if len(value) < 8 {
		return
	}
	s.resolved.Store(value, struct{}{})
}

// UnregisterResolvedSecret removes a value from the mask set. Called when a
// per-execution token is retired.
func (s *SecretSanitizer) UnregisterResolvedSecret(value string) {
	s.resolved.Delete(value)
}

func (s *SecretSanitizer) sanitizeString(str string) string {
	result := str

	s.resolved.Range(func(key, _ interface{}) bool {
		secret, ok := key.(string)
		if !ok || secret == "" {
			return true
		}
		if strings.Contains(result, secret) {
			result = strings.ReplaceAll(result, secret, maskValue(secret))
		}
		return true
	})

	for _, pattern := range s.patterns {
		result = pattern.regex.ReplaceAllStringFunc(result, pattern.maskFunc)
	}

	return result
}

// Write sanitizes the entry before delegating to the wrapped core.
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.sanitizeString(entry.Message)

	sanitized := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitized[i] = s.sanitizeField(field)
	}

	return s.Core.Write(entry, sanitized)
}

func (s *SecretSanitizer) sanitizeField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = s.sanitizeString(field.String)
	case zapcore.ByteStringType:
		if b, ok := field.Interface.([]byte); ok {
			field.Interface = []byte(s.sanitizeString(string(b)))
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			sanitized := s.sanitizeString(err.Error())
			if sanitized != err.Error() {
				field = zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: sanitized}
			}
		}
	}
	return field
}

// With creates a sanitizing child core sharing the same mask set.
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	sanitized := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitized[i] = s.sanitizeField(field)
	}
	return &SecretSanitizer{
		Core:     s.Core.With(sanitized),
		patterns: s.patterns,
		resolved: s.resolved,
	}
}

// Check routes the entry through this core so Write sees it.
func (s *SecretSanitizer) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checked.AddCore(entry, s)
	}
	return checked
}

// maskValue shows the first 3 and last 2 characters of a secret.
func maskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
