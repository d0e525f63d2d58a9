package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/yayoboy/oxide-mesh/internal/errs"
	"github.com/yayoboy/oxide-mesh/internal/orchestrator"
	"github.com/yayoboy/oxide-mesh/internal/shared"
)

type executeRequest struct {
	Prompt           string   `json:"prompt"`
	Files            []string `json:"files"`
	PreferredService string   `json:"preferred_service"`
	TaskType         string   `json:"task_type"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
	ConversationID   string   `json:"conversation_id"`
	UseMemory        *bool    `json:"use_memory"`
	BroadcastAll     bool     `json:"broadcast_all"`
}

type executeResponse struct {
	TaskID string            `json:"task_id"`
	Status shared.TaskStatus `json:"status"`
	Result string            `json:"result"`
	Error  string            `json:"error,omitempty"`
}

// streamLine is one NDJSON line of /api/tasks/execute's response body:
// either an in-flight chunk from one service (ServiceID/Text/Done/Error
// set) or, as the final line, the persisted task's outcome (TaskID/
// Status/Result/Error set). Clients distinguish the two by presence of
// TaskID.
type streamLine struct {
	ServiceID string            `json:"service_id,omitempty"`
	Text      string            `json:"text,omitempty"`
	Done      bool              `json:"done,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Status    shared.TaskStatus `json:"status,omitempty"`
	Result    string            `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// handleExecute streams the task's response body as newline-delimited
// JSON: one line per chunk as it arrives from whichever service(s) end up
// running it (every service broadcasts under its own ServiceID in
// broadcast-all mode), followed by one final line carrying the persisted
// task outcome. The HTTP status is committed to 200 before the first
// chunk is written, so execution failures are reported in-band as the
// final line's Error field rather than as a non-2xx status.
func (n *node) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.New(errs.Protocol, "malformed request body"))
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, errs.New(errs.Config, "prompt must not be empty"))
		return
	}

	prefs := shared.ExecutePreferences{
		PreferredService: req.PreferredService,
		TaskType:         req.TaskType,
		TimeoutSeconds:   req.TimeoutSeconds,
		ConversationID:   req.ConversationID,
		UseMemory:        req.UseMemory,
		BroadcastAll:     req.BroadcastAll,
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	writeLine := func(line streamLine) {
		if err := enc.Encode(line); err != nil {
			log.Error().Err(err).Msg("handlers: failed to encode stream line")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	onChunk := func(c orchestrator.StreamChunk) {
		var errMsg string
		if c.Err != nil {
			errMsg = c.Err.Error()
		}
		writeLine(streamLine{ServiceID: c.ServiceID, Text: c.Text, Done: c.Done, Error: errMsg})
	}

	outcome, err := n.orch.ExecuteTask(r.Context(), req.Prompt, req.Files, prefs, onChunk)
	if err != nil {
		writeLine(streamLine{Error: err.Error()})
		return
	}

	n.hub.EmitTaskCompleted(outcome.Task.ID)
	writeLine(streamLine{
		TaskID: outcome.Task.ID,
		Status: outcome.Task.Status,
		Result: outcome.ResultText,
	})
}

func (n *node) handleStatus(w http.ResponseWriter, r *http.Request) {
	peers := n.clust.AllPeers()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": n.nodeID,
		"peers":   peers,
		"services": n.cfg.Snapshot(),
	})
}

func (n *node) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("handlers: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, executeResponse{Error: err.Error()})
}
