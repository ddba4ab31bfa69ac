package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"pulseward/core/store"
	"pulseward/core/utils"
)

// userAgents is a fixed pool; one is drawn at random per probe so a fleet of
// agents does not present a single trivially-blockable signature.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
}

const (
	backoffBase = time.Second
	backoffCap  = 10 * time.Second
)

// Prober performs one GET against one URL, classifies the outcome, and
// retries transport failures with capped exponential backoff. It holds no
// shared state beyond its HTTP client.
type Prober struct {
	client *http.Client
	logger *utils.Logger

	// sleep is swapped in tests to observe backoff without waiting it out.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(insecureTLS bool, logger *utils.Logger) *Prober {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Prober{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		logger: logger,
		sleep:  utils.SleepCtx,
	}
}

// Probe runs the attempt chain for one endpoint and always returns a
// conclusive CheckResult; errors never escape as errors.
//
// A reachable origin is Active even when it answers 401/403/429 or a
// redirect: the goal is reachability, not content validation. Any HTTP
// response is conclusive and never retried; only transport failures retry.
func (p *Prober) Probe(ctx context.Context, ep store.Endpoint, timeout time.Duration, maxAttempts int) store.CheckResult {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	result := store.CheckResult{
		EndpointID: ep.ID,
		URL:        ep.URL,
		Timestamp:  time.Now().UTC(),
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		statusCode, elapsed, err := p.attempt(ctx, ep.URL, timeout)
		result.ResponseTimeMs = elapsed.Milliseconds()
		if err == nil {
			code := statusCode
			result.StatusCode = &code
			result.Active = ClassifyStatus(code)
			if !result.Active {
				result.ErrorKind = store.ErrorKindUnknown
				result.Error = fmt.Sprintf("unexpected status %d", code)
			}
			return result
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts-1 {
			delay := BackoffDelay(attempt)
			p.logger.Debugf("probe: %s attempt %d failed (%v), retrying in %s", ep.URL, attempt+1, err, delay)
			if p.sleep(ctx, delay) != nil {
				break
			}
		}
	}
	kind, msg := classifyError(lastErr)
	result.Active = false
	result.ErrorKind = kind
	result.Error = msg
	return result
}

func (p *Prober) attempt(ctx context.Context, url string, timeout time.Duration) (int, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Expires", "0")
	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed, err
	}
	resp.Body.Close()
	return resp.StatusCode, elapsed, nil
}

// ClassifyStatus reports whether a status code proves the origin alive:
// 2xx, 3xx, and the auth/rate-limit trio 401, 403, 429.
func ClassifyStatus(code int) bool {
	if code >= 200 && code < 400 {
		return true
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// BackoffDelay is the wait after the (attempt+1)-th failed attempt:
// 1s, 2s, 4s, ... capped at 10s.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := backoffBase << uint(attempt)
	if delay > backoffCap || delay <= 0 {
		return backoffCap
	}
	return delay
}

func classifyError(err error) (store.ErrorKind, string) {
	if err == nil {
		return store.ErrorKindUnknown, "probe failed"
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return store.ErrorKindTimeout, "request timed out"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return store.ErrorKindNetwork, "dns lookup failed: " + dnsErr.Name
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return store.ErrorKindNetwork, "connection failed: " + opErr.Op
	}
	if errors.Is(err, context.Canceled) {
		return store.ErrorKindUnknown, "probe cancelled"
	}
	return store.ErrorKindUnknown, err.Error()
}
