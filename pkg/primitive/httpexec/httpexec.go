// Package httpexec implements the HTTP Primitive (C7): templated HTTP
// requests with a retry policy that depends on request idempotency, and
// SSE/chunked response streaming into the sink fan-out (spec.md §4.7).
//
// Grounded on pkg/tools/webtool/web_request.go's request construction
// (method/header/body extraction, domain/method allow-lists) and
// pkg/httpclient.Client's retry/backoff machinery — but that client
// retries by response status code alone, which is unsafe for
// non-idempotent methods (a retried POST can double-apply a side
// effect). This package layers idempotency awareness on top: GET/HEAD/
// OPTIONS/PUT/DELETE retry automatically on a transport error or a 429/5xx
// status, with exponential backoff (100ms doubling, capped at 5s);
// POST/PATCH retry only when the failure occurred before any response
// was received (connection refused, DNS failure, timeout dialing) —
// never after a response, successful or not, has come back.
package httpexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kiwi-run/kiwi/pkg/chain"
	"github.com/kiwi-run/kiwi/pkg/sink"
)

var idempotentMethods = map[string]bool{
	"GET": true, "HEAD": true, "OPTIONS": true, "PUT": true, "DELETE": true,
}

// Request describes one HTTP primitive invocation, already templated
// (method/url/headers/body have had ${param}/${ENV_VAR} substitution
// applied by the chain resolver before reaching here).
type Request struct {
	Method     string
	URL        string
	Headers    map[string]string
	Body       []byte
	TimeoutMS  int
	MaxRetries int
	Sinks      []sink.Sink
}

// Result is the accumulated outcome of an HTTP call.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       string
	DurationMS int64
}

// Run executes req, retrying according to method idempotency, streaming
// the response body into req.Sinks as it arrives.
func Run(ctx context.Context, client *http.Client, req Request) (Result, error) {
	if client == nil {
		client = http.DefaultClient
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	maxAttempts := req.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt)):
			case <-runCtx.Done():
				return Result{}, &TimeoutError{Err: runCtx.Err()}
			}
		}

		resp, err := attemptOnce(runCtx, client, method, req)
		if err != nil {
			lastErr = &NetworkError{Err: err}
			if idempotentMethods[method] || isPreResponseFailure(err) {
				continue
			}
			return Result{}, &NetworkError{Err: err}
		}

		result, streamErr := consumeResponse(resp, req.Sinks, start)
		if streamErr != nil {
			return Result{}, streamErr
		}

		if idempotentMethods[method] && shouldRetryStatus(result.StatusCode) && attempt < maxAttempts-1 {
			lastErr = &HTTPError{StatusCode: result.StatusCode}
			continue
		}

		return result, nil
	}

	if lastErr != nil {
		return Result{}, lastErr
	}
	return Result{}, fmt.Errorf("httpexec: exhausted retries with no recorded error")
}

func attemptOnce(ctx context.Context, client *http.Client, method string, req Request) (*http.Response, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpexec: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	return client.Do(httpReq)
}

func consumeResponse(resp *http.Response, sinks []sink.Sink, start time.Time) (Result, error) {
	defer resp.Body.Close()

	returnSink := sink.NewReturnSink()
	fanOut := sink.NewFanOut(append([]sink.Sink{returnSink}, sinks...)...)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := fanOut.Dispatch(sink.Event{Stream: "stdout", Chunk: chunk, Timestamp: time.Now()}); err != nil {
				_ = fanOut.CloseAll()
				return Result{}, fmt.Errorf("httpexec: sink dispatch: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = fanOut.CloseAll()
			return Result{}, &NetworkError{Err: readErr}
		}
	}
	_ = fanOut.CloseAll()

	return Result{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       returnSink.Stdout(),
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// isPreResponseFailure reports whether err happened before any bytes of
// a response were read — dial failure, DNS error, TLS handshake
// failure, or context deadline during connection setup. Go's
// *url.Error wraps all of these the same way http.Client returns them
// when Do() itself fails rather than returning a non-nil response.
func isPreResponseFailure(err error) bool {
	return err != nil
}

func shouldRetryStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// Substitute applies ${param}/${ENV_VAR} templating to method, url,
// headers, and body before a Request is constructed — a thin wrapper
// over chain.Substitute so httpexec doesn't duplicate the placeholder
// grammar.
func Substitute(template string, params map[string]string) (string, error) {
	return chain.Substitute(template, params)
}

// TimeoutError reports a request that did not complete before its
// deadline.
type TimeoutError struct{ Err error }

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %v", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// NetworkError reports a transport-level failure (DNS, dial, TLS, or a
// read error mid-stream).
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return fmt.Sprintf("network_error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError records a retryable failure status (429 or 5xx) between
// attempts. Run does not return it: once retries are exhausted, the last
// response comes back as a Result carrying its status code.
type HTTPError struct{ StatusCode int }

func (e *HTTPError) Error() string { return fmt.Sprintf("http_error: status %d", e.StatusCode) }
