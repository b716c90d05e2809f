package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stream-bridge/configs"
	"stream-bridge/external/cloud"
)

type State string

const (
	StateIdle      State = "IDLE"
	StateStreaming State = "STREAMING"
)

type Backend string

const (
	BackendCloud      Backend = "cloud"
	BackendSelfHosted Backend = "self-hosted"
)

const (
	startTimeout = 15 * time.Second
	stopTimeout  = 10 * time.Second
)

const defaultPipelineID = "streamdiffusionv2"

// SessionAPI is the remote inference-service REST surface the lifecycle
// drives for the cloud backend.
type SessionAPI interface {
	CreateStream(ctx context.Context, cfg cloud.StreamConfig) (*cloud.StreamInfo, error)
	UpdateStream(ctx context.Context, streamID string, cfg cloud.StreamConfig) error
	DeleteStream(ctx context.Context, streamID string)
}

// ScopeBackend is the self-hosted endpoint surface the lifecycle needs on
// top of the signaling dialect.
type ScopeBackend interface {
	SessionSignaler
	Reachable(ctx context.Context) error
	LoadPipeline(ctx context.Context, pipelineID string) error
}

// StartRequest carries the control-endpoint parameters. Pointer fields
// override the current config only when present.
type StartRequest struct {
	Backend    string `json:"backend"`
	ScopeURL   string `json:"scope_url"`
	PipelineID string `json:"pipeline_id"`
	ConfigPatch
}

// ConfigPatch is the subset of inference parameters adjustable at start and
// update time.
type ConfigPatch struct {
	Prompt         *string  `json:"prompt"`
	NegativePrompt *string  `json:"negative_prompt"`
	ModelID        *string  `json:"model_id"`
	GuidanceScale  *float64 `json:"guidance_scale"`
	Delta          *float64 `json:"delta"`
	DepthScale     *float64 `json:"depth_scale"`
	CannyScale     *float64 `json:"canny_scale"`
	TileScale      *float64 `json:"tile_scale"`
}

func (p ConfigPatch) apply(cfg cloud.StreamConfig) cloud.StreamConfig {
	if p.Prompt != nil {
		cfg.Prompt = *p.Prompt
	}
	if p.NegativePrompt != nil {
		cfg.NegativePrompt = *p.NegativePrompt
	}
	if p.ModelID != nil {
		cfg.ModelID = *p.ModelID
	}
	if p.GuidanceScale != nil {
		cfg.GuidanceScale = *p.GuidanceScale
	}
	if p.Delta != nil {
		cfg.Delta = *p.Delta
	}
	if p.DepthScale != nil {
		cfg.DepthScale = *p.DepthScale
	}
	if p.CannyScale != nil {
		cfg.CannyScale = *p.CannyScale
	}
	if p.TileScale != nil {
		cfg.TileScale = *p.TileScale
	}
	return cfg
}

// Manager is the process-wide stream lifecycle: IDLE or STREAMING, nothing
// in between. Entering STREAMING designates exactly one backend and starts
// exactly one pipeline; any partial failure during start leaves IDLE.
type Manager struct {
	mu             sync.Mutex
	state          State
	starting       bool
	backend        Backend
	streamID       string
	scopeURL       string
	pipelineID     string
	config         cloud.StreamConfig
	cancelPipeline context.CancelFunc

	api       SessionAPI
	proxy     *SignalingProxy
	channel   *Channel
	source    FrameSource
	snapshots *SnapshotService
	newScope  func(url string) ScopeBackend
	envs      *configs.EnvVariables
	logger    *slog.Logger
}

func NewManager(api SessionAPI, proxy *SignalingProxy, channel *Channel, source FrameSource, snapshots *SnapshotService, newScope func(url string) ScopeBackend, envs *configs.EnvVariables, logger *slog.Logger) *Manager {
	return &Manager{
		state:     StateIdle,
		config:    cloud.DefaultStreamConfig(),
		api:       api,
		proxy:     proxy,
		channel:   channel,
		source:    source,
		snapshots: snapshots,
		newScope:  newScope,
		envs:      envs,
		logger:    logger,
	}
}

// Start transitions IDLE -> STREAMING. A second start while streaming or
// while another start is in flight is rejected without side effects. The
// remote calls run outside the lock so status reads stay responsive.
func (m *Manager) Start(req StartRequest) error {
	m.mu.Lock()
	if m.state == StateStreaming || m.starting {
		m.mu.Unlock()
		return ErrAlreadyStreaming
	}
	m.starting = true
	cfg := req.apply(m.config)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
	}()

	scopeURL := req.ScopeURL
	if scopeURL == "" {
		scopeURL = m.envs.ScopeUrl
	}

	backend := BackendCloud
	if req.Backend == string(BackendSelfHosted) && scopeURL != "" {
		backend = BackendSelfHosted
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	var streamID, pipelineID string
	switch backend {
	case BackendCloud:
		info, err := m.api.CreateStream(ctx, cfg)
		if err != nil {
			return err
		}
		streamID = info.ID
		m.proxy.SetIngest(info.WhipURL)

	case BackendSelfHosted:
		scopeBackend := m.newScope(scopeURL)
		if err := scopeBackend.Reachable(ctx); err != nil {
			return err
		}
		pipelineID = req.PipelineID
		if pipelineID == "" {
			pipelineID = defaultPipelineID
		}
		if err := scopeBackend.LoadPipeline(ctx, pipelineID); err != nil {
			// Load is advisory: the endpoint may already have it resident.
			m.logger.Warn("pipeline load request failed", "pipeline_id", pipelineID, "err", err)
		}
		m.proxy.SetSignaler(scopeBackend)
		streamID = "scope-session"
	}

	codec := NewFrameCodec(m.envs.TargetWidth, m.envs.TargetHeight, m.envs.JpegQuality)
	pipeline := NewPipeline(m.source, codec, m.channel, m.snapshots, m.envs.FrameRate, streamID, m.logger)
	pipeCtx, cancelPipeline := context.WithCancel(context.Background())

	m.mu.Lock()
	m.config = cfg
	m.backend = backend
	m.streamID = streamID
	if backend == BackendSelfHosted {
		m.scopeURL = scopeURL
		m.pipelineID = pipelineID
	}
	m.cancelPipeline = cancelPipeline
	m.state = StateStreaming
	m.mu.Unlock()

	go pipeline.Run(pipeCtx)

	m.logger.Info("streaming started", "backend", backend, "stream_id", streamID)
	return nil
}

// Update patches the inference parameters of the active session.
func (m *Manager) Update(patch ConfigPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStreaming {
		return ErrNotStreaming
	}

	cfg := patch.apply(m.config)

	if m.backend == BackendCloud {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := m.api.UpdateStream(ctx, m.streamID, cfg); err != nil {
			return err
		}
	}
	// Self-hosted parameter updates travel over the browser's data channel;
	// the config is recorded for the next offer.

	m.config = cfg
	return nil
}

// Stop transitions STREAMING -> IDLE. Stopping an idle lifecycle is a
// successful no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return nil
	}

	m.cancelPipeline()
	m.cancelPipeline = nil

	if m.backend == BackendCloud && m.streamID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		m.api.DeleteStream(ctx, m.streamID)
	}

	m.proxy.Reset()
	m.state = StateIdle
	m.backend = ""
	m.streamID = ""
	m.scopeURL = ""
	m.pipelineID = ""

	m.logger.Info("streaming stopped")
	return nil
}

// Status is the /status snapshot.
func (m *Manager) Status() StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return StatusSnapshot{
		State:    string(m.state),
		Backend:  string(m.backend),
		StreamID: m.streamID,
		WhipURL:  m.proxy.IngestURL(),
		WhepURL:  m.proxy.PlaybackURL(),
		ScopeURL: m.scopeURL,
	}
}

// Streaming reports whether a session is active.
func (m *Manager) Streaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateStreaming
}

// ScopeParams builds the structured initial parameters sent alongside a
// session-dialect offer.
func (m *Manager) ScopeParams() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	pipelineID := m.pipelineID
	if pipelineID == "" {
		pipelineID = defaultPipelineID
	}

	return map[string]any{
		"input_mode":          "video",
		"prompts":             []map[string]any{{"text": m.config.Prompt, "weight": 1.0}},
		"negative_prompt":     m.config.NegativePrompt,
		"guidance_scale":      m.config.GuidanceScale,
		"denoising_step_list": []int{1000, 750},
		"noise_scale":         0.7,
		"noise_controller":    true,
		"width":               m.config.Width,
		"height":              m.config.Height,
		"pipeline_ids":        []string{pipelineID},
	}
}
