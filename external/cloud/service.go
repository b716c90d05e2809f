package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const clientSource = "stream-bridge"

// StreamConfig holds the inference parameters for a remote processing
// session.
type StreamConfig struct {
	ModelID        string  `json:"model_id"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Delta          float64 `json:"delta"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`

	DepthScale float64 `json:"-"`
	CannyScale float64 `json:"-"`
	TileScale  float64 `json:"-"`
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ModelID:        "stabilityai/sdxl-turbo",
		Prompt:         "anime style, vibrant colors, detailed",
		NegativePrompt: "blurry, low quality, flat, 2d",
		GuidanceScale:  1.0,
		Delta:          0.7,
		Width:          512,
		Height:         512,
		DepthScale:     0.45,
		TileScale:      0.21,
	}
}

type StreamInfo struct {
	ID      string
	WhipURL string
	ModelID string
}

// RemoteError carries a non-success remote response verbatim so the polling
// caller sees exactly what the endpoint said.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.Status, e.Body)
}

type controlnet struct {
	ModelID            string         `json:"model_id"`
	ConditioningScale  float64        `json:"conditioning_scale"`
	Preprocessor       string         `json:"preprocessor"`
	PreprocessorParams map[string]any `json:"preprocessor_params"`
	Enabled            bool           `json:"enabled"`
}

// controlnetSupport maps base model to the ControlNet model and
// preprocessor used for each conditioning type.
var controlnetSupport = map[string]map[string][2]string{
	"stabilityai/sdxl-turbo": {
		"depth": {"xinsir/controlnet-depth-sdxl-1.0", "depth_tensorrt"},
		"canny": {"xinsir/controlnet-canny-sdxl-1.0", "canny"},
		"tile":  {"xinsir/controlnet-tile-sdxl-1.0", "feedback"},
	},
	"stabilityai/sd-turbo": {
		"depth": {"thibaud/controlnet-sd21-depth-diffusers", "depth_tensorrt"},
		"canny": {"thibaud/controlnet-sd21-canny-diffusers", "canny"},
	},
	"Lykon/dreamshaper-8": {
		"depth": {"lllyasviel/control_v11f1p_sd15_depth", "depth_tensorrt"},
		"canny": {"lllyasviel/control_v11p_sd15_canny", "canny"},
		"tile":  {"lllyasviel/control_v11f1e_sd15_tile", "feedback"},
	},
}

// Client talks to the remote inference service REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Authorization":   "Bearer " + c.apiKey,
		"Content-Type":    "application/json",
		"x-client-source": clientSource,
	}
}

func buildControlnets(cfg StreamConfig) []controlnet {
	support, ok := controlnetSupport[cfg.ModelID]
	if !ok {
		return nil
	}

	var nets []controlnet
	for _, entry := range []struct {
		kind  string
		scale float64
	}{
		{"depth", cfg.DepthScale},
		{"canny", cfg.CannyScale},
		{"tile", cfg.TileScale},
	} {
		spec, ok := support[entry.kind]
		if !ok || entry.scale <= 0 {
			continue
		}
		nets = append(nets, controlnet{
			ModelID:            spec[0],
			ConditioningScale:  entry.scale,
			Preprocessor:       spec[1],
			PreprocessorParams: map[string]any{},
			Enabled:            true,
		})
	}
	return nets
}

func (c *Client) buildPayload(cfg StreamConfig) map[string]any {
	params := map[string]any{
		"model_id":        cfg.ModelID,
		"prompt":          cfg.Prompt,
		"negative_prompt": cfg.NegativePrompt,
		"guidance_scale":  cfg.GuidanceScale,
		"delta":           cfg.Delta,
		"width":           cfg.Width,
		"height":          cfg.Height,
	}
	if nets := buildControlnets(cfg); len(nets) > 0 {
		params["controlnets"] = nets
	}
	return map[string]any{
		"pipeline": "streamdiffusion",
		"params":   params,
	}
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
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}

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

// CreateStream starts a remote processing session and returns its id and
// ingestion URL.
func (c *Client) CreateStream(ctx context.Context, cfg StreamConfig) (*StreamInfo, error) {
	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/streams", c.buildPayload(cfg))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ID      string `json:"id"`
		WhipURL string `json:"whip_url"`
		Params  struct {
			ModelID string `json:"model_id"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	info := &StreamInfo{ID: parsed.ID, WhipURL: parsed.WhipURL, ModelID: parsed.Params.ModelID}
	if info.ModelID == "" {
		info.ModelID = cfg.ModelID
	}
	c.logger.Info("stream created", "stream_id", info.ID, "whip_url", info.WhipURL)
	return info, nil
}

// UpdateStream patches the parameters of an active session.
func (c *Client) UpdateStream(ctx context.Context, streamID string, cfg StreamConfig) error {
	if streamID == "" {
		return fmt.Errorf("no stream id for update")
	}
	_, err := c.do(ctx, http.MethodPatch, c.baseURL+"/streams/"+streamID, c.buildPayload(cfg))
	if err != nil {
		return err
	}
	c.logger.Info("stream parameters updated", "stream_id", streamID)
	return nil
}

// DeleteStream stops a session. The endpoint often answers with an empty
// body on success, so remote errors are logged rather than returned.
func (c *Client) DeleteStream(ctx context.Context, streamID string) {
	if _, err := c.do(ctx, http.MethodDelete, c.baseURL+"/streams/"+streamID, nil); err != nil {
		c.logger.Warn("stream delete failed", "stream_id", streamID, "err", err)
	}
}

// ExchangeSDP posts an offer as application/sdp to a WHIP or WHEP endpoint
// and returns the answer together with the response headers.
func (c *Client) ExchangeSDP(ctx context.Context, url, offer string) (string, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/sdp")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, &RemoteError{Status: resp.StatusCode, Body: string(body)}
	}
	return string(body), resp.Header, nil
}
