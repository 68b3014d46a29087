package kmsconnector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/distkv/restkmsconnector/pkg/kmserrors"
	"github.com/distkv/restkmsconnector/pkg/urlpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHTTPClient dispatches by URL prefix to a caller-supplied responder,
// letting tests simulate a fleet of endpoints with distinct behaviors
// without opening real sockets.
type fakeHTTPClient struct {
	respond func(url string) (*http.Response, error)
	calls   int32
}

func (f *fakeHTTPClient) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.respond(url)
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func passthroughParse(body []byte) (interface{}, error) {
	return string(body), nil
}

func statusResponse(code int, status string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Status:     status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

// TestEngineSendFailsOverToNextEndpoint exercises S4: a request to a dead
// endpoint advances to the next ranked endpoint within the same pass.
func TestEngineSendFailsOverToNextEndpoint(t *testing.T) {
	pool := urlpool.New()
	pool.PushURL("https://dead")
	pool.PushURL("https://alive")

	client := &fakeHTTPClient{respond: func(url string) (*http.Response, error) {
		if strings.Contains(url, "dead") {
			return nil, kmserrors.New(kmserrors.KindConnectionFailed, "refused")
		}
		return okResponse("ok-from-alive"), nil
	}}

	e := &Engine{Pool: pool, HTTP: client}
	out, err := e.Send(context.Background(), "/suffix", nil, passthroughParse)
	require.NoError(t, err)
	assert.Equal(t, "ok-from-alive", out)
}

// TestEngineSendNon200ResponseAdvancesToNextEndpoint exercises the
// non-transport failure path of attemptPass: a real *http.Response with a
// non-200 status (no transport error at all) counts as a failed response
// and the engine advances to the next endpoint within the same pass.
func TestEngineSendNon200ResponseAdvancesToNextEndpoint(t *testing.T) {
	pool := urlpool.New()
	pool.PushURL("https://unavailable")
	pool.PushURL("https://alive")

	client := &fakeHTTPClient{respond: func(url string) (*http.Response, error) {
		if strings.Contains(url, "unavailable") {
			return statusResponse(http.StatusServiceUnavailable, "503 Service Unavailable"), nil
		}
		return okResponse("ok-from-alive"), nil
	}}

	e := &Engine{Pool: pool, HTTP: client}
	out, err := e.Send(context.Background(), "/suffix", nil, passthroughParse)
	require.NoError(t, err)
	assert.Equal(t, "ok-from-alive", out)

	var unavailable *urlpool.Endpoint
	for _, ep := range pool.Snapshot() {
		if ep.URL == "https://unavailable" {
			unavailable = ep
		}
	}
	require.NotNil(t, unavailable)
	assert.EqualValues(t, 1, unavailable.FailedResponses)
}

// TestEngineSendNon200ResponseExhaustsBothPassesThenFails exercises a
// uniformly failing non-200 response across the whole pool: since
// KindHTTPRequestFailed is not in the pass-2 unreachable set (unlike a
// timeout or connection failure), both passes fully drain the pool before
// the terminal keys-fetch-failed error is returned.
func TestEngineSendNon200ResponseExhaustsBothPassesThenFails(t *testing.T) {
	pool := urlpool.New()
	pool.PushURL("https://a")
	pool.PushURL("https://b")

	client := &fakeHTTPClient{respond: func(url string) (*http.Response, error) {
		return statusResponse(http.StatusServiceUnavailable, "503 Service Unavailable"), nil
	}}

	var rediscoverCalls int32
	e := &Engine{
		Pool: pool,
		HTTP: client,
		Rediscover: func(ctx context.Context) error {
			atomic.AddInt32(&rediscoverCalls, 1)
			return nil
		},
	}

	_, err := e.Send(context.Background(), "/suffix", nil, passthroughParse)
	require.Error(t, err)
	var kerr *kmserrors.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kmserrors.KindKeysFetchFailed, kerr.Kind)
	assert.EqualValues(t, 1, rediscoverCalls)
	// two endpoints attempted twice (pass 1 + pass 2)
	assert.EqualValues(t, 4, client.calls)
}

// TestEngineSendExhaustsPoolTriggersRediscoveryThenFails exercises S5: when
// every endpoint fails in pass 1, rediscovery runs once before pass 2, and
// if pass 2 also exhausts the pool the terminal error is keys-fetch-failed.
func TestEngineSendExhaustsPoolTriggersRediscoveryThenFails(t *testing.T) {
	pool := urlpool.New()
	pool.PushURL("https://a")
	pool.PushURL("https://b")

	client := &fakeHTTPClient{respond: func(url string) (*http.Response, error) {
		return nil, kmserrors.New(kmserrors.KindHTTPRequestFailed, "boom")
	}}

	var rediscoverCalls int32
	e := &Engine{
		Pool: pool,
		HTTP: client,
		Rediscover: func(ctx context.Context) error {
			atomic.AddInt32(&rediscoverCalls, 1)
			return nil
		},
	}

	_, err := e.Send(context.Background(), "/suffix", nil, passthroughParse)
	require.Error(t, err)
	var kerr *kmserrors.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kmserrors.KindKeysFetchFailed, kerr.Kind)
	assert.EqualValues(t, 1, rediscoverCalls)
	// two endpoints attempted twice (pass 1 + pass 2)
	assert.EqualValues(t, 4, client.calls)
}

// TestEnginePass2UnreachableShortCircuits exercises the pass-2-only
// terminal rule: once rediscovery has already run, a timeout/connection
// failure on the very next endpoint ends the search immediately instead of
// continuing to drain the rest of the pool.
func TestEnginePass2UnreachableShortCircuits(t *testing.T) {
	pool := urlpool.New()
	pool.PushURL("https://a")
	pool.PushURL("https://b")

	pass := 0
	client := &fakeHTTPClient{respond: func(url string) (*http.Response, error) {
		if pass == 0 {
			return nil, kmserrors.New(kmserrors.KindHTTPRequestFailed, "pass1 fail")
		}
		return nil, kmserrors.New(kmserrors.KindTimedOut, "pass2 timeout")
	}}

	e := &Engine{
		Pool: pool,
		HTTP: client,
		Rediscover: func(ctx context.Context) error {
			pass = 1
			return nil
		},
	}

	_, err := e.Send(context.Background(), "/suffix", nil, passthroughParse)
	require.Error(t, err)
	var kerr *kmserrors.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kmserrors.KindTimedOut, kerr.Kind)
	// pass 1 drains both (2 calls), pass 2 stops after the first unreachable (1 call)
	assert.EqualValues(t, 3, client.calls)
}

// TestEngineSendPreservesPoolMultisetAfterAttempt exercises the universal
// invariant that a send never loses or duplicates endpoints: whatever goes
// into the pool comes back out, regardless of outcome.
func TestEngineSendPreservesPoolMultisetAfterAttempt(t *testing.T) {
	pool := urlpool.New()
	pool.PushURL("https://a")
	pool.PushURL("https://b")
	pool.PushURL("https://c")

	client := &fakeHTTPClient{respond: func(url string) (*http.Response, error) {
		if strings.Contains(url, "b") {
			return okResponse("ok"), nil
		}
		return nil, kmserrors.New(kmserrors.KindHTTPRequestFailed, "fail")
	}}

	e := &Engine{Pool: pool, HTTP: client}
	_, err := e.Send(context.Background(), "/suffix", nil, passthroughParse)
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Size())
}

// TestEngineParseFailureAdvancesToNextEndpoint confirms a parse error is
// treated as retry fodder rather than a transport failure.
func TestEngineParseFailureAdvancesToNextEndpoint(t *testing.T) {
	pool := urlpool.New()
	pool.PushURL("https://bad-body")
	pool.PushURL("https://good-body")

	client := &fakeHTTPClient{respond: func(url string) (*http.Response, error) {
		if strings.Contains(url, "bad-body") {
			return okResponse("garbage"), nil
		}
		return okResponse("good"), nil
	}}

	failingParse := func(body []byte) (interface{}, error) {
		if string(body) == "garbage" {
			return nil, kmserrors.New(kmserrors.KindMalformedResponse, "nope")
		}
		return string(body), nil
	}

	e := &Engine{Pool: pool, HTTP: client}
	out, err := e.Send(context.Background(), "/suffix", nil, failingParse)
	require.NoError(t, err)
	assert.Equal(t, "good", out)
}

// TestEngineSendConcurrentSendsPreservePoolMultiset drives many Sends at
// once against one shared pool, the way Loop.Run's per-RPC goroutines do,
// and checks the pool comes out with the same endpoints it started with.
func TestEngineSendConcurrentSendsPreservePoolMultiset(t *testing.T) {
	pool := urlpool.New()
	for i := 0; i < 8; i++ {
		pool.PushURL("https://endpoint-" + string(rune('a'+i)))
	}

	client := &fakeHTTPClient{respond: func(url string) (*http.Response, error) {
		return okResponse("ok"), nil
	}}
	e := &Engine{Pool: pool, HTTP: client}

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := e.Send(context.Background(), "/suffix", nil, passthroughParse)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, pool.Size())
}

func TestJoinURLHandlesLeadingSlashOnSuffix(t *testing.T) {
	assert.Equal(t, "https://a/x", joinURL("https://a", "/x"))
	assert.Equal(t, "https://a/x", joinURL("https://a", "x"))
}

func TestClassifyTransportErrorRecognizesKmserrorsPassthrough(t *testing.T) {
	orig := kmserrors.New(kmserrors.KindConnectionFailed, "refused")
	got := classifyTransportError(orig)
	assert.Equal(t, kmserrors.KindConnectionFailed, got.Kind)
}

func TestDefaultHTTPClientPostsAgainstRealServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		io.Copy(w, r.Body)
	}))
	defer srv.Close()

	client := NewDefaultHTTPClient(nil)
	resp, err := client.Post(context.Background(), srv.URL, []byte("ping"), map[string]string{"X-Test": "1"})
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(body))
}
