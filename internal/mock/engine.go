// Package mock is an in-process scripted workflow engine. It speaks the
// same webhook + SSE contract a real engine does, so the full trigger →
// relay → subscriber path can be exercised without anything external.
package mock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentflow/relay/internal/logging"
	"github.com/agentflow/relay/internal/session"
)

// Step is one scripted stream event. Raw, when set, is sent verbatim (used
// to script undecodable payloads). Drop ends the stream abruptly with no
// terminal control event.
type Step struct {
	Category session.Category
	Message  string
	Raw      string
	Delay    time.Duration
	Drop     bool
}

// Script is the ordered event sequence one run plays back.
type Script []Step

// DemoScripts covers the interesting shapes: a clean run, a workflow
// failure, an undecodable payload mid-run, and a stream that dies without
// saying goodbye.
func DemoScripts() map[string]Script {
	pace := 400 * time.Millisecond
	return map[string]Script{
		"demo-steady": {
			{Category: session.Info, Message: "checking out repository", Delay: pace},
			{Category: session.Info, Message: "running build", Delay: pace},
			{Category: session.Success, Message: "build passed", Delay: pace},
			{Category: session.Info, Message: "deploying to staging", Delay: pace},
			{Category: session.Success, Message: "deploy complete", Delay: pace},
			{Category: session.Control, Message: "COMPLETE", Delay: pace},
		},
		"demo-failing": {
			{Category: session.Info, Message: "checking out repository", Delay: pace},
			{Category: session.Info, Message: "running tests", Delay: pace},
			{Category: session.ErrorLog, Message: "3 tests failed", Delay: pace},
			{Category: session.Control, Message: "ERROR", Delay: pace},
		},
		"demo-noisy": {
			{Category: session.Info, Message: "starting run", Delay: pace},
			{Raw: "%%% not json %%%", Delay: pace},
			{Category: session.Info, Message: "recovered, continuing", Delay: pace},
			{Category: session.Control, Message: "COMPLETE", Delay: pace},
		},
		"demo-drop": {
			{Category: session.Info, Message: "starting long task", Delay: pace},
			{Category: session.Info, Message: "still working", Delay: pace},
			{Drop: true},
		},
	}
}

// Engine serves the webhook and stream endpoints. Scripts are keyed by
// agent id; each triggered run remembers which script to play.
type Engine struct {
	mu      sync.Mutex
	baseURL string
	scripts map[string]Script
	runs    map[string]Script
	log     zerolog.Logger
}

func NewEngine(scripts map[string]Script) *Engine {
	if scripts == nil {
		scripts = DemoScripts()
	}
	return &Engine{
		scripts: scripts,
		runs:    make(map[string]Script),
		log:     logging.WithComponent("mock-engine"),
	}
}

// SetBaseURL tells the engine its own address, so webhook responses can
// advertise an absolute stream URL. Must be called before the first
// trigger.
func (e *Engine) SetBaseURL(u string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseURL = strings.TrimRight(u, "/")
}

func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/", e.handleHook)
	mux.HandleFunc("/streams/", e.handleStream)
	return mux
}

func (e *Engine) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agentID := strings.TrimPrefix(r.URL.Path, "/hooks/")

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	script, ok := e.scripts[agentID]
	if !ok {
		script = e.scripts["demo-steady"]
	}
	e.runs[body.SessionID] = script
	base := e.baseURL
	e.mu.Unlock()

	e.log.Info().Str("agent_id", agentID).Str("session_id", body.SessionID).Msg("run triggered")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"streamUrl": fmt.Sprintf("%s/streams/%s", base, body.SessionID),
	})
}

func (e *Engine) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/streams/")

	e.mu.Lock()
	script, ok := e.runs[sessionID]
	e.mu.Unlock()
	if !ok {
		http.Error(w, "unknown run", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, step := range script {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-r.Context().Done():
				return
			}
		}

		if step.Drop {
			// Simulates the engine dying mid-run: the connection just
			// ends, no terminal control event.
			return
		}

		data := step.Raw
		if data == "" {
			encoded, err := json.Marshal(map[string]string{
				"category": step.Category.String(),
				"message":  step.Message,
			})
			if err != nil {
				continue
			}
			data = string(encoded)
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}
