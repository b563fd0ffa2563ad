package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseOpenAIRateLimitHeaders extracts rate limit info from
// OpenAI-compatible API headers. Ollama and other compatible servers
// simply omit them, yielding the zero value.
func ParseOpenAIRateLimitHeaders(headers http.Header) RateLimitInfo {
	var info RateLimitInfo

	if seconds, err := strconv.Atoi(headers.Get("Retry-After")); err == nil {
		info.RetryAfter = time.Duration(seconds) * time.Second
	}

	for _, name := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if reset, err := strconv.ParseInt(headers.Get(name), 10, 64); err == nil {
			info.ResetTime = reset
			break
		}
	}

	info.RequestsRemaining, _ = strconv.Atoi(headers.Get("x-ratelimit-remaining-requests"))
	info.TokensRemaining, _ = strconv.Atoi(headers.Get("x-ratelimit-remaining-tokens"))

	return info
}
