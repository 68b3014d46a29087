package kmsconnector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/distkv/restkmsconnector/pkg/kmserrors"
	"github.com/distkv/restkmsconnector/pkg/urlpool"
	"golang.org/x/sync/singleflight"
)

// Engine implements C6: the two-pass failover algorithm of spec §4.6.
type Engine struct {
	Pool    *urlpool.Pool
	HTTP    HTTPClient
	Headers map[string]string

	// Rediscover is called between pass 1 and pass 2 (refresh_persisted =
	// true). Errors from rediscovery are swallowed into the terminal
	// encrypt-keys-fetch-failed the way the original does: a dead
	// discovery source after a dead pool still means "no keys available".
	Rediscover func(ctx context.Context) error

	// group collapses concurrent rediscoveries triggered by different
	// in-flight requests into one call, an efficiency addition beyond the
	// C++ original which has no equivalent concurrency within one process
	// to collapse.
	group singleflight.Group
}

// Send implements send<T>(urlSuffix, body, parse) -> T. parse is called
// with the raw response body on HTTP 200; any error it returns is treated
// as a parse failure (retried on the next endpoint), not a transport
// failure.
func (e *Engine) Send(ctx context.Context, urlSuffix string, body []byte, parse func([]byte) (interface{}, error)) (interface{}, error) {
	for pass := 1; pass <= 2; pass++ {
		out, done, err := e.attemptPass(ctx, pass, urlSuffix, body, parse)
		if done {
			return out, err
		}
		if pass == 1 {
			e.rediscoverOnce(ctx)
		}
	}
	return nil, kmserrors.New(kmserrors.KindKeysFetchFailed, "all KMS endpoints exhausted")
}

// attemptPass runs one full pass over the pool. done is true when the
// pass produced a definitive outcome (success, or a pass-2 terminal
// transport error); when done is false the caller proceeds to the next
// pass (or to the terminal failure after pass 2).
func (e *Engine) attemptPass(ctx context.Context, pass int, urlSuffix string, body []byte, parse func([]byte) (interface{}, error)) (out interface{}, done bool, err error) {
	var staging []*urlpool.Endpoint
	defer func() { e.Pool.Restore(staging) }()

	for {
		ep := e.Pool.Pop()
		if ep == nil {
			break
		}
		staging = append(staging, ep)

		fullURL := joinURL(ep.URL, urlSuffix)
		resp, postErr := e.HTTP.Post(ctx, fullURL, body, e.Headers)
		if postErr != nil {
			ep.FailedResponses++
			terr := classifyTransportError(postErr)
			if pass == 2 && kmserrors.Unreachable(terr) {
				return nil, true, terr
			}
			continue
		}
		ep.Requests++

		respBody, readErr := readAndClose(resp)
		if readErr != nil {
			ep.FailedResponses++
			continue
		}
		if resp.StatusCode != http.StatusOK {
			ep.FailedResponses++
			herr := kmserrors.New(kmserrors.KindHTTPRequestFailed, "status "+resp.Status)
			if pass == 2 && kmserrors.Unreachable(herr) {
				return nil, true, herr
			}
			continue
		}

		parsed, parseErr := parse(respBody)
		if parseErr != nil {
			ep.ResponseParseFailures++
			continue
		}
		return parsed, true, nil
	}
	return nil, false, nil
}

func (e *Engine) rediscoverOnce(ctx context.Context) {
	if e.Rediscover == nil {
		return
	}
	_, _, _ = e.group.Do("rediscover", func() (interface{}, error) {
		return nil, e.Rediscover(ctx)
	})
}

func classifyTransportError(err error) *kmserrors.Error {
	var kerr *kmserrors.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return kmserrors.Wrap(kmserrors.KindTimedOut, "request timed out", err)
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host") {
		return kmserrors.Wrap(kmserrors.KindConnectionFailed, "connection failed", err)
	}
	return kmserrors.Wrap(kmserrors.KindHTTPRequestFailed, "transport error", err)
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// joinURL joins a base endpoint URL and a suffix, handling a leading '/'
// on suffix so it is never doubled (spec §4.6).
func joinURL(base, suffix string) string {
	if strings.HasPrefix(suffix, "/") {
		return base + suffix
	}
	return base + "/" + suffix
}
