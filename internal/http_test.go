package internal

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"

	"stream-bridge/external/cloud"
	"stream-bridge/external/scope"
)

func newTestServer(t *testing.T, api *fakeSessionAPI, scopeBackend *fakeScope) (*httptest.Server, *SignalingProxy, *Manager) {
	t.Helper()
	logger := testLogger()

	proxy := NewSignalingProxy(cloud.NewClient("http://unused", "", logger), time.Second, time.Second, time.Second, time.Minute, logger)
	channel := NewChannel(logger)
	newScope := func(url string) ScopeBackend { return scopeBackend }
	manager := NewManager(api, proxy, channel, nil, nil, newScope, testEnvs(), logger)
	t.Cleanup(func() { manager.Stop() })

	repository := &HttpRepository{
		Manager: manager,
		Proxy:   proxy,
		Channel: channel,
		NewScope: func(url string) *scope.Client {
			return scope.NewClient(url, false, logger)
		},
		Logger: logger,
	}

	router := chi.NewRouter()
	repository.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, proxy, manager
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestWhipRejectedWithoutIngest(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeSessionAPI{}, &fakeScope{})

	resp, err := http.Post(server.URL+"/whip", "application/sdp", strings.NewReader(offerSDP))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestWhipSubmitAndPollOverHTTP(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(answerSDP))
	}))
	defer remote.Close()

	server, proxy, _ := newTestServer(t, &fakeSessionAPI{}, &fakeScope{})
	proxy.SetIngest(remote.URL)

	resp, body := postJSON(t, server.URL+"/whip", offerSDP)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d", resp.StatusCode)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("no id in %v", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(server.URL + "/whip/result/" + id)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if resp.StatusCode == http.StatusAccepted {
			resp.Body.Close()
			if time.Now().After(deadline) {
				t.Fatal("exchange never completed")
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("result status %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/sdp" {
			t.Fatalf("content type %q", ct)
		}
		answer, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if string(answer) != answerSDP {
			t.Fatalf("answer %q", answer)
		}
		break
	}

	// The result was consumed by the successful poll.
	resp2, err := http.Get(server.URL + "/whip/result/" + id)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("second poll status %d", resp2.StatusCode)
	}
}

func TestScopeOfferRejectedWithoutEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeSessionAPI{}, &fakeScope{})

	resp, _ := postJSON(t, server.URL+"/scope/offer", `{"sdp":"v=0"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestScopeOfferAndResult(t *testing.T) {
	server, _, manager := newTestServer(t, &fakeSessionAPI{}, &fakeScope{})

	req := StartRequest{Backend: "self-hosted", ScopeURL: "https://scope:8000"}
	if err := manager.Start(req); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, body := postJSON(t, server.URL+"/scope/offer", `{"sdp":"`+"v=0"+`","initialParameters":{"noise_scale":0.4}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d", resp.StatusCode)
	}
	id, _ := body["id"].(string)

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body := getJSON(t, server.URL+"/scope/result/"+id)
		if resp.StatusCode == http.StatusAccepted {
			if time.Now().After(deadline) {
				t.Fatal("exchange never completed")
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("result status %d: %v", resp.StatusCode, body)
		}
		if body["sdp"] != answerSDP || body["sessionId"] != "scope-1" {
			t.Fatalf("result %v", body)
		}
		break
	}
}

func TestIceCandidateBeforeSession(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeSessionAPI{}, &fakeScope{})

	resp, body := postJSON(t, server.URL+"/scope/ice-candidate",
		`{"sessionId":"ghost","candidate":"candidate:1 1 udp 1 10.0.0.1 1 typ host"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["error"] != ErrSessionNotEstablished.Error() {
		t.Fatalf("error %v", body["error"])
	}
}

func TestIceCandidateMissingFields(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeSessionAPI{}, &fakeScope{})

	resp, body := postJSON(t, server.URL+"/scope/ice-candidate", `{"sessionId":"x"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["error"] == nil {
		t.Fatalf("no error in %v", body)
	}
}

func TestStatusEndpoints(t *testing.T) {
	server, _, manager := newTestServer(t, &fakeSessionAPI{}, &fakeScope{})

	resp, body := getJSON(t, server.URL+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["state"] != string(StateIdle) {
		t.Fatalf("state %v", body["state"])
	}

	if err := manager.Start(StartRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, body = getJSON(t, server.URL+"/api/status")
	if body["streaming"] != true || body["stream_id"] != "stream-1" {
		t.Fatalf("api status %v", body)
	}
}

func TestStreamControlEndpoints(t *testing.T) {
	api := &fakeSessionAPI{}
	server, _, _ := newTestServer(t, api, &fakeScope{})

	resp, body := postJSON(t, server.URL+"/api/stream/start", `{}`)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("start response %d %v", resp.StatusCode, body)
	}
	if body["stream_id"] != "stream-1" {
		t.Fatalf("stream id %v", body["stream_id"])
	}

	// Control endpoints report conflicts in the body, not the status code.
	resp, body = postJSON(t, server.URL+"/api/stream/start", `{}`)
	if resp.StatusCode != http.StatusOK || body["success"] != false {
		t.Fatalf("conflict response %d %v", resp.StatusCode, body)
	}
	if body["error"] != ErrAlreadyStreaming.Error() {
		t.Fatalf("conflict error %v", body["error"])
	}

	resp, body = postJSON(t, server.URL+"/api/stream/update", `{"prompt":"aurora"}`)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("update response %d %v", resp.StatusCode, body)
	}
	if len(api.updated) != 1 || api.updated[0].Prompt != "aurora" {
		t.Fatalf("updated %+v", api.updated)
	}

	resp, body = postJSON(t, server.URL+"/api/stream/stop", ``)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("stop response %d %v", resp.StatusCode, body)
	}
}

func TestPreflight(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeSessionAPI{}, &fakeScope{})

	req, _ := http.NewRequest(http.MethodOptions, server.URL+"/api/stream/start", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestScopeTestRequiresURL(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeSessionAPI{}, &fakeScope{})

	resp, body := postJSON(t, server.URL+"/api/scope/test", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["reachable"] != false {
		t.Fatalf("body %v", body)
	}
}
