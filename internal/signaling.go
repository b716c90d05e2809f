package internal

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// playbackURLHeader links a WHIP answer to the endpoint later WHEP
// exchanges must use.
const playbackURLHeader = "Livepeer-Playback-Url"

const sweepInterval = time.Minute

type ExchangeKind string

const (
	KindWHIP  ExchangeKind = "whip"
	KindWHEP  ExchangeKind = "whep"
	KindScope ExchangeKind = "scope"
)

type exchangeStatus int

const (
	statusPending exchangeStatus = iota
	statusReady
	statusFailed
)

// Exchange is one asynchronous SDP negotiation. It is written once by its
// background worker and consumed once by the first poll after completion.
type Exchange struct {
	id        string
	kind      ExchangeKind
	status    exchangeStatus
	offer     string
	params    map[string]any
	answer    string
	sessionID string
	errMsg    string
	createdAt time.Time
}

type PollStatus int

const (
	PollNotFound PollStatus = iota
	PollPending
	PollReady
	PollFailed
)

type PollResult struct {
	Status    PollStatus
	Answer    string
	SessionID string
	Err       string
}

// SDPExchanger performs the simple offer/answer dialect against a remote
// ingestion or playback endpoint.
type SDPExchanger interface {
	ExchangeSDP(ctx context.Context, url, offer string) (answer string, header http.Header, err error)
}

// SessionSignaler performs the session dialect with trickle ICE.
type SessionSignaler interface {
	SendOffer(ctx context.Context, sdp string, params map[string]any) (answer string, sessionID string, err error)
	SendCandidate(ctx context.Context, sessionID string, candidate webrtc.ICECandidateInit) error
}

// SignalingProxy decouples synchronous SDP submissions from the slow remote
// exchange behind a job-and-poll protocol. One worker goroutine per
// submission; results cross back only through the exchange table.
type SignalingProxy struct {
	mu          sync.Mutex
	exchanges   map[string]*Exchange
	sessions    map[string]struct{}
	ingestURL   string
	playbackURL string
	signaler    SessionSignaler

	exchanger SDPExchanger

	whipTimeout  time.Duration
	whepTimeout  time.Duration
	scopeTimeout time.Duration
	ttl          time.Duration

	logger *slog.Logger
}

func NewSignalingProxy(exchanger SDPExchanger, whipTimeout, whepTimeout, scopeTimeout, ttl time.Duration, logger *slog.Logger) *SignalingProxy {
	return &SignalingProxy{
		exchanges:    make(map[string]*Exchange),
		sessions:     make(map[string]struct{}),
		exchanger:    exchanger,
		whipTimeout:  whipTimeout,
		whepTimeout:  whepTimeout,
		scopeTimeout: scopeTimeout,
		ttl:          ttl,
		logger:       logger,
	}
}

// SetIngest designates the remote ingestion endpoint for WHIP exchanges.
func (p *SignalingProxy) SetIngest(url string) {
	p.mu.Lock()
	p.ingestURL = url
	p.mu.Unlock()
}

// SetSignaler designates the session-dialect remote endpoint.
func (p *SignalingProxy) SetSignaler(s SessionSignaler) {
	p.mu.Lock()
	p.signaler = s
	p.mu.Unlock()
}

// Reset clears the designated endpoints and established sessions when a
// stream stops. In-flight exchanges are left to the TTL sweep.
func (p *SignalingProxy) Reset() {
	p.mu.Lock()
	p.ingestURL = ""
	p.playbackURL = ""
	p.signaler = nil
	p.sessions = make(map[string]struct{})
	p.mu.Unlock()
}

func (p *SignalingProxy) IngestURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ingestURL
}

func (p *SignalingProxy) PlaybackURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playbackURL
}

// Submit stores a pending exchange and starts its worker. It returns the
// fresh token immediately.
func (p *SignalingProxy) Submit(kind ExchangeKind, offer string, params map[string]any) string {
	ex := &Exchange{
		id:        uuid.NewString(),
		kind:      kind,
		status:    statusPending,
		offer:     offer,
		params:    params,
		createdAt: time.Now(),
	}

	p.mu.Lock()
	p.exchanges[ex.id] = ex
	p.mu.Unlock()

	go p.exchange(ex)
	return ex.id
}

// Poll implements the one-shot contract: the first poll after completion
// returns the result and deletes the exchange under the same lock, so
// concurrent duplicate polls cannot both consume it.
func (p *SignalingProxy) Poll(id string) PollResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	ex, ok := p.exchanges[id]
	if !ok {
		return PollResult{Status: PollNotFound}
	}
	if ex.status == statusPending {
		return PollResult{Status: PollPending}
	}

	delete(p.exchanges, id)
	if ex.status == statusFailed {
		return PollResult{Status: PollFailed, Err: ex.errMsg}
	}
	return PollResult{Status: PollReady, Answer: ex.answer, SessionID: ex.sessionID}
}

// SubmitCandidate relays one trickle-ICE candidate for an established
// session. Candidates for sessions the proxy has not seen resolve are
// rejected; the caller queues and resubmits.
func (p *SignalingProxy) SubmitCandidate(ctx context.Context, sessionID string, candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	_, known := p.sessions[sessionID]
	signaler := p.signaler
	p.mu.Unlock()

	if !known || signaler == nil {
		return ErrSessionNotEstablished
	}
	return signaler.SendCandidate(ctx, sessionID, candidate)
}

func (p *SignalingProxy) exchange(ex *Exchange) {
	switch ex.kind {
	case KindWHIP:
		p.exchangeWHIP(ex)
	case KindWHEP:
		p.exchangeWHEP(ex)
	case KindScope:
		p.exchangeScope(ex)
	default:
		p.fail(ex, "unknown exchange kind")
	}
}

func (p *SignalingProxy) exchangeWHIP(ex *Exchange) {
	url := p.IngestURL()
	if url == "" {
		p.fail(ex, "no ingestion endpoint available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.whipTimeout)
	defer cancel()

	answer, header, err := p.exchanger.ExchangeSDP(ctx, url, ex.offer)
	if err != nil {
		p.fail(ex, err.Error())
		return
	}

	if playback := header.Get(playbackURLHeader); playback != "" {
		p.mu.Lock()
		p.playbackURL = playback
		p.mu.Unlock()
		p.logger.Info("playback endpoint established", "url", playback)
	}

	p.complete(ex, answer, "")
}

func (p *SignalingProxy) exchangeWHEP(ex *Exchange) {
	url := p.PlaybackURL()
	if url == "" {
		// Unusable until a WHIP exchange has surfaced the playback URL;
		// fail now rather than block.
		p.fail(ex, "playback endpoint not ready")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.whepTimeout)
	defer cancel()

	answer, _, err := p.exchanger.ExchangeSDP(ctx, url, ex.offer)
	if err != nil {
		p.fail(ex, err.Error())
		return
	}
	p.complete(ex, answer, "")
}

func (p *SignalingProxy) exchangeScope(ex *Exchange) {
	p.mu.Lock()
	signaler := p.signaler
	p.mu.Unlock()

	if signaler == nil {
		p.fail(ex, "no self-hosted endpoint configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.scopeTimeout)
	defer cancel()

	answer, sessionID, err := signaler.SendOffer(ctx, ex.offer, ex.params)
	if err != nil {
		p.fail(ex, err.Error())
		return
	}
	p.complete(ex, answer, sessionID)
}

// complete records the worker's single pending->ready transition. The
// exchange may have been swept while the worker was in flight; the result is
// then dropped on the floor.
func (p *SignalingProxy) complete(ex *Exchange, answer, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sessionID != "" {
		p.sessions[sessionID] = struct{}{}
	}
	if _, present := p.exchanges[ex.id]; !present {
		return
	}
	ex.status = statusReady
	ex.answer = answer
	ex.sessionID = sessionID
}

func (p *SignalingProxy) fail(ex *Exchange, msg string) {
	p.logger.Warn("signaling exchange failed", "kind", ex.kind, "id", ex.id, "err", msg)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, present := p.exchanges[ex.id]; !present {
		return
	}
	ex.status = statusFailed
	ex.errMsg = msg
}

// RunSweeper discards exchanges that were never polled. Stopping a stream
// orphans in-flight exchanges rather than cancelling them, so without the
// sweep the table would grow without bound.
func (p *SignalingProxy) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

func (p *SignalingProxy) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, ex := range p.exchanges {
		if now.Sub(ex.createdAt) > p.ttl {
			delete(p.exchanges, id)
			exchangesSwept.Inc()
			p.logger.Debug("swept abandoned exchange", "kind", ex.kind, "id", id)
		}
	}
}
