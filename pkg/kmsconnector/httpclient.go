package kmsconnector

import (
	"bytes"
	"context"
	"net/http"
)

// HTTPClient is the pluggable transport the engine calls against (spec
// §1's "assumed: a pluggable client offering POST(url, body, headers) ->
// response"). It is an external collaborator; DefaultHTTPClient is a
// thin net/http-backed implementation, not a contractual one.
type HTTPClient interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error)
}

// DefaultHTTPClient wraps a *http.Client. It must be shared safely across
// concurrent worker tasks (spec §5); *http.Client already is.
type DefaultHTTPClient struct {
	Client *http.Client
}

// NewDefaultHTTPClient builds a DefaultHTTPClient using client, or
// http.DefaultClient if client is nil.
func NewDefaultHTTPClient(client *http.Client) *DefaultHTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &DefaultHTTPClient{Client: client}
}

func (c *DefaultHTTPClient) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Client.Do(req)
}
