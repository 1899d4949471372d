// Package tokens estimates token counts for tool-call results using
// tiktoken encodings. Estimates feed execution summaries so callers can
// see how much context each upstream call would have consumed.
package tokens

import (
	"encoding/json"
	"fmt"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is the fallback encoding when none is configured.
const DefaultEncoding = "cl100k_base"

// Tokenizer provides token counting for result payloads.
type Tokenizer interface {
	// CountTokens counts tokens in text using the default encoding
	CountTokens(text string) (int, error)

	// CountTokensForEncoding counts tokens using a specific encoding
	CountTokensForEncoding(text string, encoding string) (int, error)

	// CountTokensInJSON counts tokens in a JSON object (serialized first)
	CountTokensInJSON(data interface{}) (int, error)
}

// DefaultTokenizer implements the Tokenizer interface using tiktoken-go
type DefaultTokenizer struct {
	defaultEncoding string
	encodingCache   map[string]*tiktoken.Tiktoken
	mu              sync.RWMutex
	logger          *zap.SugaredLogger
	enabled         bool
}

// NewTokenizer creates a new tokenizer instance
func NewTokenizer(defaultEncoding string, logger *zap.SugaredLogger, enabled bool) (*DefaultTokenizer, error) {
	if defaultEncoding == "" {
		defaultEncoding = DefaultEncoding
	}

	// Validate encoding exists
	_, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("invalid encoding %q: %w", defaultEncoding, err)
	}

	return &DefaultTokenizer{
		defaultEncoding: defaultEncoding,
		encodingCache:   make(map[string]*tiktoken.Tiktoken),
		logger:          logger,
		enabled:         enabled,
	}, nil
}

// getEncoding retrieves or caches a tiktoken encoding
func (t *DefaultTokenizer) getEncoding(encoding string) (*tiktoken.Tiktoken, error) {
	t.mu.RLock()
	if enc, ok := t.encodingCache[encoding]; ok {
		t.mu.RUnlock()
		return enc, nil
	}
	t.mu.RUnlock()

	// Not in cache, acquire write lock and load
	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock
	if enc, ok := t.encodingCache[encoding]; ok {
		return enc, nil
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %q: %w", encoding, err)
	}

	t.encodingCache[encoding] = enc
	return enc, nil
}

// CountTokens counts tokens using the default encoding
func (t *DefaultTokenizer) CountTokens(text string) (int, error) {
	if !t.enabled {
		return 0, nil
	}

	return t.CountTokensForEncoding(text, t.defaultEncoding)
}

// CountTokensForEncoding counts tokens using a specific encoding
func (t *DefaultTokenizer) CountTokensForEncoding(text string, encoding string) (int, error) {
	if !t.enabled {
		return 0, nil
	}

	enc, err := t.getEncoding(encoding)
	if err != nil {
		return 0, err
	}

	tokens := enc.Encode(text, nil, nil)
	return len(tokens), nil
}

// CountTokensInJSON serializes data to JSON and counts tokens
func (t *DefaultTokenizer) CountTokensInJSON(data interface{}) (int, error) {
	if !t.enabled {
		return 0, nil
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	return t.CountTokensForEncoding(string(jsonBytes), t.defaultEncoding)
}

// EstimateResult counts tokens in an arbitrary tool result. Counting
// failures are logged and reported as 0 so a broken estimate never
// fails the call that produced the result.
func (t *DefaultTokenizer) EstimateResult(result interface{}) int {
	if !t.enabled || result == nil {
		return 0
	}

	n, err := t.CountTokensInJSON(result)
	if err != nil {
		if t.logger != nil {
			t.logger.Debugw("Token estimate failed", "error", err)
		}
		return 0
	}
	return n
}

// SetEnabled enables or disables token counting
func (t *DefaultTokenizer) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// IsEnabled returns whether token counting is enabled
func (t *DefaultTokenizer) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// GetDefaultEncoding returns the current default encoding
func (t *DefaultTokenizer) GetDefaultEncoding() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaultEncoding
}

// SupportedEncodings returns the tiktoken encodings the estimator accepts
func SupportedEncodings() []string {
	return []string{
		"o200k_base",
		"cl100k_base",
		"p50k_base",
		"r50k_base",
	}
}
