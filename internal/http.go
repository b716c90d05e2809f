package internal

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/pion/webrtc/v4"

	"stream-bridge/external/scope"
)

// HttpRepository exposes the relay's control, signaling and websocket
// surface on a chi router.
type HttpRepository struct {
	Manager  *Manager
	Proxy    *SignalingProxy
	Channel  *Channel
	NewScope func(url string) *scope.Client
	Logger   *slog.Logger
}

func (repository *HttpRepository) RegisterRoutes(r chi.Router) {
	r.Options("/*", repository.preflight)

	r.HandleFunc("/ws", repository.Channel.Handler)

	r.Post("/whip", repository.submitWhip)
	r.Post("/whep", repository.submitWhep)
	r.Get("/whip/result/{id}", repository.sdpResult)
	r.Get("/whep/result/{id}", repository.sdpResult)

	r.Post("/scope/offer", repository.submitScopeOffer)
	r.Get("/scope/result/{id}", repository.scopeResult)
	r.Post("/scope/ice-candidate", repository.relayCandidate)
	r.Get("/scope/ice-servers", repository.iceServers)

	r.Get("/status", repository.status)
	r.Get("/api/status", repository.apiStatus)
	r.Post("/api/stream/start", repository.streamStart)
	r.Post("/api/stream/update", repository.streamUpdate)
	r.Post("/api/stream/stop", repository.streamStop)

	r.Post("/api/scope/test", repository.scopeTest)
	r.Post("/api/scope/pipeline/status", repository.scopePipelineStatus)
	r.Post("/api/scope/pipeline/load", repository.scopePipelineLoad)
}

// The relay page and the signaling surface run on different origins, so the
// browser preflights everything.
func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (repository *HttpRepository) preflight(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (repository *HttpRepository) submitWhip(w http.ResponseWriter, r *http.Request) {
	if repository.Proxy.IngestURL() == "" {
		corsHeaders(w)
		http.Error(w, "no ingestion endpoint available", http.StatusBadRequest)
		return
	}

	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := repository.Proxy.Submit(KindWHIP, string(offer), nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (repository *HttpRepository) submitWhep(w http.ResponseWriter, r *http.Request) {
	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := repository.Proxy.Submit(KindWHEP, string(offer), nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// sdpResult serves the one-shot poll for the simple dialect: pending JSON,
// then either the answer SDP or the captured remote error, then not found.
func (repository *HttpRepository) sdpResult(w http.ResponseWriter, r *http.Request) {
	result := repository.Proxy.Poll(chi.URLParam(r, "id"))

	switch result.Status {
	case PollPending:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	case PollReady:
		corsHeaders(w)
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(result.Answer))
	case PollFailed:
		corsHeaders(w)
		http.Error(w, result.Err, http.StatusInternalServerError)
	default:
		corsHeaders(w)
		http.Error(w, "request not found", http.StatusNotFound)
	}
}

func (repository *HttpRepository) submitScopeOffer(w http.ResponseWriter, r *http.Request) {
	if repository.Manager.Status().ScopeURL == "" {
		corsHeaders(w)
		http.Error(w, "no self-hosted endpoint configured", http.StatusNotFound)
		return
	}

	var request struct {
		SDP               string         `json:"sdp"`
		InitialParameters map[string]any `json:"initialParameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		corsHeaders(w)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	params := repository.Manager.ScopeParams()
	for key, value := range request.InitialParameters {
		params[key] = value
	}

	id := repository.Proxy.Submit(KindScope, request.SDP, params)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (repository *HttpRepository) scopeResult(w http.ResponseWriter, r *http.Request) {
	result := repository.Proxy.Poll(chi.URLParam(r, "id"))

	switch result.Status {
	case PollPending:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	case PollReady:
		writeJSON(w, http.StatusOK, map[string]string{
			"sdp":       result.Answer,
			"sessionId": result.SessionID,
		})
	case PollFailed:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": result.Err})
	default:
		corsHeaders(w)
		http.Error(w, "request not found", http.StatusNotFound)
	}
}

func (repository *HttpRepository) relayCandidate(w http.ResponseWriter, r *http.Request) {
	var request struct {
		SessionID     string  `json:"sessionId"`
		Candidate     string  `json:"candidate"`
		SdpMid        *string `json:"sdpMid"`
		SdpMLineIndex *uint16 `json:"sdpMLineIndex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if request.SessionID == "" || request.Candidate == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "missing sessionId or candidate"})
		return
	}

	candidate := webrtc.ICECandidateInit{
		Candidate:     request.Candidate,
		SDPMid:        request.SdpMid,
		SDPMLineIndex: request.SdpMLineIndex,
	}

	err := repository.Proxy.SubmitCandidate(r.Context(), request.SessionID, candidate)
	if errors.Is(err, ErrSessionNotEstablished) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": ErrSessionNotEstablished.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (repository *HttpRepository) iceServers(w http.ResponseWriter, r *http.Request) {
	servers := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	if scopeURL := repository.Manager.Status().ScopeURL; scopeURL != "" {
		servers = repository.NewScope(scopeURL).ICEServers(r.Context())
	}

	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (repository *HttpRepository) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, repository.Manager.Status())
}

func (repository *HttpRepository) apiStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := repository.Manager.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"streaming": snapshot.State == string(StateStreaming),
		"stream_id": snapshot.StreamID,
	})
}

func (repository *HttpRepository) streamStart(w http.ResponseWriter, r *http.Request) {
	var request StartRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && err != io.EOF {
		writeJSON(w, http.StatusOK, Response{Success: false, Error: err.Error()})
		return
	}

	if err := repository.Manager.Start(request); err != nil {
		writeJSON(w, http.StatusOK, Response{Success: false, Error: err.Error()})
		return
	}

	snapshot := repository.Manager.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"stream_id": snapshot.StreamID,
		"backend":   snapshot.Backend,
	})
}

func (repository *HttpRepository) streamUpdate(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil && err != io.EOF {
		writeJSON(w, http.StatusOK, Response{Success: false, Error: err.Error()})
		return
	}

	if err := repository.Manager.Update(patch); err != nil {
		writeJSON(w, http.StatusOK, Response{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (repository *HttpRepository) streamStop(w http.ResponseWriter, r *http.Request) {
	if err := repository.Manager.Stop(); err != nil {
		writeJSON(w, http.StatusOK, Response{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (repository *HttpRepository) scopeTest(w http.ResponseWriter, r *http.Request) {
	var request struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.URL == "" {
		writeJSON(w, http.StatusOK, map[string]any{"reachable": false, "error": "no URL provided"})
		return
	}

	result := repository.NewScope(request.URL).TestConnection(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func (repository *HttpRepository) scopePipelineStatus(w http.ResponseWriter, r *http.Request) {
	var request struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.URL == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "error": "no URL provided"})
		return
	}

	status, err := repository.NewScope(request.URL).PipelineStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (repository *HttpRepository) scopePipelineLoad(w http.ResponseWriter, r *http.Request) {
	var request struct {
		URL        string `json:"url"`
		PipelineID string `json:"pipeline_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.URL == "" {
		writeJSON(w, http.StatusOK, Response{Success: false, Error: "no URL provided"})
		return
	}
	if request.PipelineID == "" {
		request.PipelineID = defaultPipelineID
	}

	if err := repository.NewScope(request.URL).LoadPipeline(r.Context(), request.PipelineID); err != nil {
		writeJSON(w, http.StatusOK, Response{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pipeline_id": request.PipelineID})
}
