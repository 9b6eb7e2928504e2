package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ziptility/rxsync/internal/models"
	"github.com/ziptility/rxsync/internal/replication"
	"github.com/ziptility/rxsync/internal/validation"
	"github.com/ziptility/rxsync/pkg/api"
)

// ReplicationHandler serves pull, push and the live streams of one collection.
type ReplicationHandler[D models.Document] struct {
	engine            *replication.Engine[D]
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewReplicationHandler creates the HTTP adapter for engine.
func NewReplicationHandler[D models.Document](logger *slog.Logger, engine *replication.Engine[D]) *ReplicationHandler[D] {
	return &ReplicationHandler[D]{
		engine:            engine,
		logger:            logger.With("collection", engine.Descriptor().Name),
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// WithHeartbeat overrides the keepalive interval of the stream endpoints.
func (h *ReplicationHandler[D]) WithHeartbeat(interval time.Duration) *ReplicationHandler[D] {
	if interval > 0 {
		h.heartbeatInterval = interval
	}
	return h
}

// Pull handles GET and POST /api/v1/<collection>/pull.
func (h *ReplicationHandler[D]) Pull(w http.ResponseWriter, r *http.Request) {
	var (
		req api.PullRequest
		err error
	)

	switch r.Method {
	case http.MethodGet:
		req, err = pullRequestFromQuery(r)
	case http.MethodPost:
		err = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		writeBadRequest(w, h.logger, "Invalid pull request", err)
		return
	}

	checkpoint, err := toCheckpoint(req.Checkpoint)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	result, err := h.engine.Pull(r.Context(), checkpoint, req.Limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, result)
}

// Push handles POST /api/v1/<collection>/push.
func (h *ReplicationHandler[D]) Push(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req api.PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeBadRequest(w, h.logger, "Invalid push request", err)
		return
	}

	rows, err := h.decodeRows(req.Rows)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	conflicts, err := h.engine.Push(r.Context(), rows)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := api.PushResponse{Conflicts: make([]json.RawMessage, 0, len(conflicts))}
	for _, doc := range conflicts {
		raw, err := json.Marshal(doc)
		if err != nil {
			writeError(w, h.logger, fmt.Errorf("failed to encode conflict %s: %w", doc.GetID(), err))
			return
		}
		resp.Conflicts = append(resp.Conflicts, raw)
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

func (h *ReplicationHandler[D]) decodeRows(raw []api.PushRow) ([]models.PushRow[D], error) {
	desc := h.engine.Descriptor()
	rows := make([]models.PushRow[D], 0, len(raw))

	for i, r := range raw {
		if len(r.NewDocumentState) == 0 || string(r.NewDocumentState) == "null" {
			return nil, &validation.Error{Field: fmt.Sprintf("rows[%d].newDocumentState", i), Reason: "is required"}
		}

		row := models.PushRow[D]{NewDocumentState: desc.New()}
		if err := json.Unmarshal(r.NewDocumentState, row.NewDocumentState); err != nil {
			return nil, &validation.Error{Field: fmt.Sprintf("rows[%d].newDocumentState", i), Reason: err.Error()}
		}

		if r.HasAssumedState() {
			row.AssumedMasterState = desc.New()
			row.HasAssumedState = true
			if err := json.Unmarshal(r.AssumedMasterState, row.AssumedMasterState); err != nil {
				return nil, &validation.Error{Field: fmt.Sprintf("rows[%d].assumedMasterState", i), Reason: err.Error()}
			}
		}

		if err := validation.ValidatePushRow(desc, row); err != nil {
			return nil, fmt.Errorf("rows[%d]: %w", i, err)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// pullRequestFromQuery reads ?lastDocumentId=&updatedAt=&limit=. updatedAt
// accepts RFC 3339 or Unix milliseconds.
func pullRequestFromQuery(r *http.Request) (api.PullRequest, error) {
	q := r.URL.Query()
	var req api.PullRequest

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			return req, fmt.Errorf("invalid limit %q: %w", s, err)
		}
		req.Limit = limit
	}

	id, updated := q.Get("lastDocumentId"), q.Get("updatedAt")
	if id == "" && updated == "" {
		return req, nil
	}

	req.Checkpoint = &api.Checkpoint{}
	if id != "" {
		req.Checkpoint.LastDocumentID = &id
	}
	if updated != "" {
		t, err := parseTimestamp(updated)
		if err != nil {
			return req, err
		}
		req.Checkpoint.UpdatedAt = &t
	}

	return req, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid updatedAt %q: %w", s, err)
	}
	return t, nil
}

func toCheckpoint(c *api.Checkpoint) (models.Checkpoint, error) {
	var checkpoint models.Checkpoint
	if c == nil {
		return checkpoint, nil
	}
	if c.LastDocumentID != nil {
		checkpoint.LastDocumentID = *c.LastDocumentID
	}
	if c.UpdatedAt != nil {
		checkpoint.LastUpdatedAt = models.TruncateToMillis(*c.UpdatedAt)
	}
	return checkpoint, checkpoint.Validate()
}

// parseTopics reads ?topics=a,b; the parameter may also repeat.
func parseTopics(r *http.Request) []string {
	var topics []string
	for _, value := range r.URL.Query()["topics"] {
		for _, topic := range strings.Split(value, ",") {
			if topic = strings.TrimSpace(topic); topic != "" {
				topics = append(topics, topic)
			}
		}
	}
	return topics
}
