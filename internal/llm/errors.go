package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFatalAPI marks provider errors that retrying cannot fix: exhausted
// credits, quota/rate limits, or bad credentials. Retry loops should stop
// when they see it.
var ErrFatalAPI = errors.New("fatal LLM API error")

// fatalPatterns are matched case-insensitively against provider error text.
var fatalPatterns = []string{
	"credit balance",
	"rate limit",
	"quota",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

// isFatalAPIError reports whether err looks like a non-retryable provider
// error based on its message text.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range fatalPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// wrapFatalError wraps fatal provider errors with ErrFatalAPI and passes
// everything else through unchanged.
func wrapFatalError(err error) error {
	if err == nil {
		return nil
	}
	if isFatalAPIError(err) {
		return fmt.Errorf("%w: %v", ErrFatalAPI, err)
	}
	return err
}
