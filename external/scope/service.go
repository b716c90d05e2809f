package scope

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"
)

const userAgent = "stream-bridge/1.0"

// RemoteError carries a non-success endpoint response verbatim.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.Status, e.Body)
}

// Client connects to a self-hosted inference endpoint. These deployments
// commonly sit behind tunnel proxies that require Referer/Origin headers and
// present certificates that do not match the tunnel hostname.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, skipTLSVerify bool, logger *slog.Logger) *Client {
	transport := &http.Transport{}
	if skipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) apiURL(endpoint string) string {
	return c.baseURL + "/api/v1" + endpoint
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("User-Agent", userAgent)
}

func (c *Client) do(ctx context.Context, method, url string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// ICEServers fetches the endpoint's ICE configuration; a TURN entry appears
// here when the deployment has one provisioned. Falls back to public STUN.
func (c *Client) ICEServers(ctx context.Context) []webrtc.ICEServer {
	fallback := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	body, err := c.do(ctx, http.MethodGet, c.apiURL("/webrtc/ice-servers"), nil)
	if err != nil {
		c.logger.Warn("ice servers unavailable", "err", err)
		return fallback
	}

	var parsed struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.ICEServers) == 0 {
		return fallback
	}
	return parsed.ICEServers
}

// SendOffer posts the offer SDP plus structured initial parameters and
// returns the answer SDP and the session identifier used for trickle ICE.
func (c *Client) SendOffer(ctx context.Context, sdp string, params map[string]any) (string, string, error) {
	payload := map[string]any{
		"sdp":               sdp,
		"type":              "offer",
		"initialParameters": params,
	}

	body, err := c.do(ctx, http.MethodPost, c.apiURL("/webrtc/offer"), payload)
	if err != nil {
		return "", "", err
	}

	var answer struct {
		SDP       string `json:"sdp"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &answer); err != nil {
		return "", "", err
	}

	c.logger.Info("session established", "session_id", answer.SessionID)
	return answer.SDP, answer.SessionID, nil
}

// SendCandidate patches a single ICE candidate onto an existing session.
func (c *Client) SendCandidate(ctx context.Context, sessionID string, candidate webrtc.ICECandidateInit) error {
	payload := map[string]any{
		"candidates": []webrtc.ICECandidateInit{candidate},
	}
	_, err := c.do(ctx, http.MethodPatch, c.apiURL("/webrtc/offer/"+sessionID), payload)
	return err
}

// Pipelines lists the pipeline ids the endpoint can load.
func (c *Client) Pipelines(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, c.apiURL("/pipelines/schemas"), nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Pipelines map[string]json.RawMessage `json:"pipelines"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(parsed.Pipelines))
	for id := range parsed.Pipelines {
		ids = append(ids, id)
	}
	return ids, nil
}

// LoadPipeline asks the endpoint to load a pipeline ahead of streaming.
func (c *Client) LoadPipeline(ctx context.Context, pipelineID string) error {
	payload := map[string]any{"pipeline_ids": []string{pipelineID}}
	_, err := c.do(ctx, http.MethodPost, c.apiURL("/pipeline/load"), payload)
	return err
}

// PipelineStatus reports the endpoint's current pipeline state.
func (c *Client) PipelineStatus(ctx context.Context) (map[string]any, error) {
	body, err := c.do(ctx, http.MethodGet, c.apiURL("/pipeline/status"), nil)
	if err != nil {
		return nil, err
	}

	var status map[string]any
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// Reachable probes the endpoint and reports an error when it cannot be
// reached.
func (c *Client) Reachable(ctx context.Context) error {
	result := c.TestConnection(ctx)
	if !result.Reachable {
		return fmt.Errorf("endpoint unreachable: %s", result.Error)
	}
	return nil
}

// TestResult is the diagnostics payload for a connection probe.
type TestResult struct {
	Reachable  bool               `json:"reachable"`
	URL        string             `json:"url"`
	Pipelines  []string           `json:"pipelines"`
	ICEServers []webrtc.ICEServer `json:"ice_servers"`
	Error      string             `json:"error,omitempty"`
}

// TestConnection probes the endpoint: the bare health route first, then the
// API routes, gathering whatever extra info is available once reachable.
func (c *Client) TestConnection(ctx context.Context) TestResult {
	result := TestResult{URL: c.baseURL, Pipelines: []string{}}

	if _, err := c.do(ctx, http.MethodGet, c.baseURL+"/health", nil); err == nil {
		result.Reachable = true
	} else if _, err := c.do(ctx, http.MethodGet, c.apiURL("/pipeline/status"), nil); err == nil {
		result.Reachable = true
	} else {
		result.Error = err.Error()
		return result
	}

	if pipelines, err := c.Pipelines(ctx); err == nil {
		result.Pipelines = pipelines
	}
	result.ICEServers = c.ICEServers(ctx)
	return result
}
