package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/xgpxg/conreg/pkg/protocol"
)

const (
	// nsTokenHeader authenticates against token-protected namespaces.
	nsTokenHeader = "X-NS-Token"
	// watchClientTimeout must outlast the server's 29s hold.
	watchClientTimeout = 40 * time.Second
)

// transport wraps the two HTTP clients the SDK needs: a retrying one
// for regular calls and a patient plain one for long-poll watches.
type transport struct {
	addrs ServerAddr
	token string
	retry *retryablehttp.Client
	poll  *http.Client
}

func newTransport(addrs ServerAddr, token string) *transport {
	retry := retryablehttp.NewClient()
	retry.RetryMax = 2
	retry.RetryWaitMin = 100 * time.Millisecond
	retry.RetryWaitMax = time.Second
	retry.HTTPClient.Timeout = 10 * time.Second
	retry.HTTPClient.Transport = &addrRotator{addrs: addrs, next: http.DefaultTransport}
	retry.Logger = nil
	return &transport{
		addrs: addrs,
		token: token,
		retry: retry,
		poll:  &http.Client{Timeout: watchClientTimeout},
	}
}

// addrRotator re-picks the server address on every attempt, so a
// retry can land on another node when several are configured.
type addrRotator struct {
	addrs ServerAddr
	next  http.RoundTripper
}

func (a *addrRotator) RoundTrip(req *http.Request) (*http.Response, error) {
	addr, err := a.addrs.Pick()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.URL.Host = addr
	clone.Host = addr
	return a.next.RoundTrip(clone)
}

// getJSON issues a GET and decodes the envelope data into out. A nil
// out discards the payload.
func (t *transport) getJSON(path string, query url.Values, out any) error {
	target, err := t.addrs.URL(path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if t.token != "" {
		req.Header.Set(nsTokenHeader, t.token)
	}
	res, err := t.retry.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return decodeEnvelope(res.Body, out)
}

// postJSON issues a POST with a JSON body and decodes the envelope
// data into out.
func (t *transport) postJSON(path string, body any, out any) error {
	target, err := t.addrs.URL(path)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set(nsTokenHeader, t.token)
	}
	res, err := t.retry.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return decodeEnvelope(res.Body, out)
}

// longPoll issues a plain GET without retries, holding the connection
// for the server's watch window. It returns the raw envelope so the
// caller can distinguish "no change" (null data) from a change.
func (t *transport) longPoll(path string, query url.Values) (*protocol.RawRes, error) {
	target, err := t.addrs.URL(path)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if t.token != "" {
		req.Header.Set(nsTokenHeader, t.token)
	}
	res, err := t.poll.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	var envelope protocol.RawRes
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if !envelope.IsSuccess() {
		return nil, fmt.Errorf("watch failed: %s", envelope.Msg)
	}
	return &envelope, nil
}

func decodeEnvelope(body io.Reader, out any) error {
	var envelope protocol.RawRes
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		return fmt.Errorf("invalid server response: %w", err)
	}
	if !envelope.IsSuccess() {
		return fmt.Errorf("server error: %s", envelope.Msg)
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
