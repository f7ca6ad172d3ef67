package manager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/xgpxg/conreg/pkg/metrics"
	"github.com/xgpxg/conreg/pkg/protocol"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
)

// forwardClient retries transient network failures but never retries
// after the leader has answered, so a command is proposed at most once
// per accepted request.
var forwardClient = newForwardClient()

func newForwardClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	return c
}

// forwardWrite sends a command to the leader's write endpoint and
// translates its envelope back into an error.
func (m *Manager) forwardWrite(cmd types.Command) error {
	leaderAddr, err := m.LeaderHTTPAddr()
	if err != nil {
		return err
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	metrics.ForwardedWritesTotal.Inc()
	resp, err := forwardClient.Post(
		fmt.Sprintf("http://%s/api/cluster/write", leaderAddr),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to forward write to leader %s: %w", leaderAddr, err)
	}
	defer resp.Body.Close()

	return decodeForwardResponse(resp)
}

// forwardRead asks the leader for a linearizable KV read.
func (m *Manager) forwardRead(key string) (string, error) {
	leaderAddr, err := m.LeaderHTTPAddr()
	if err != nil {
		return "", err
	}

	resp, err := forwardClient.Get(fmt.Sprintf(
		"http://%s/api/cluster/read?key=%s&linearizable=1",
		leaderAddr, url.QueryEscape(key)))
	if err != nil {
		return "", fmt.Errorf("failed to forward read to leader %s: %w", leaderAddr, err)
	}
	defer resp.Body.Close()

	var envelope protocol.RawRes
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("invalid response from leader: %w", err)
	}
	if !envelope.IsSuccess() {
		if envelope.Msg == storage.ErrNotFound.Error() {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("leader rejected read: %s", envelope.Msg)
	}
	var value string
	if err := json.Unmarshal(envelope.Data, &value); err != nil {
		return "", fmt.Errorf("invalid response from leader: %w", err)
	}
	return value, nil
}

func decodeForwardResponse(resp *http.Response) error {
	var envelope protocol.RawRes
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("invalid response from leader: %w", err)
	}
	if !envelope.IsSuccess() {
		return fmt.Errorf("leader rejected write: %s", envelope.Msg)
	}
	return nil
}
