package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"
)

// HTTPClient talks to the agent's own HTTP port for live config updates.
type HTTPClient struct {
	Port   int
	client *http.Client
}

func NewHTTPClient(port int, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Port:   port,
		client: &http.Client{Timeout: timeout},
	}
}

// UpdateStream posts a new config for a running stream to
// http://{ip}:{port}/stream/update.
func (c *HTTPClient) UpdateStream(ctx context.Context, ip string, cfg StartConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/stream/update", ip, c.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent update %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := ioutil.ReadAll(resp.Body)
		return fmt.Errorf("agent update %s: status %d: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
