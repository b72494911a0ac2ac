package errs

import (
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"
)

// FromGenAI maps a google.golang.org/genai error onto the taxonomy.
// Status codes follow FromStatus; a RetryInfo detail sets RetryAfter.
func FromGenAI(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return Classify(op, err)
	}

	e := FromStatus(op, apiErr.Code, apiErr.Message)
	e.Err = err
	if d, ok := retryDelay(apiErr.Details); ok {
		e.RetryAfter = d
	}
	if apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "api key") {
		e.Hint = "check GEMINI_API_KEY"
	}
	return e
}

// retryDelay finds google.rpc.RetryInfo in the error details.
func retryDelay(details []map[string]any) (time.Duration, bool) {
	for _, d := range details {
		typ, _ := d["@type"].(string)
		if !strings.HasSuffix(typ, "RetryInfo") {
			continue
		}
		s, _ := d["retryDelay"].(string)
		if s == "" {
			continue
		}
		if dur, err := time.ParseDuration(s); err == nil && dur > 0 {
			return dur, true
		}
	}
	return 0, false
}
