package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/usecase/memory"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
)

// memoryRecord is the wire form of a memory
type memoryRecord struct {
	ID        model.MemoryID `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
	Distance  *float64       `json:"distance,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	ServerID  string         `json:"server_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	SummaryID model.MemoryID `json:"summary_id,omitempty"`
}

func toRecord(m *model.Memory, username string, distance *float64) *memoryRecord {
	return &memoryRecord{
		ID:        m.ID,
		Content:   m.Content,
		Metadata:  m.Metadata,
		Timestamp: m.CreatedAt,
		Distance:  distance,
		ChannelID: m.ChannelID,
		ServerID:  m.ServerID,
		Username:  username,
		SummaryID: m.SummaryID,
	}
}

func toRecords(results []*model.ScoredMemory) []*memoryRecord {
	records := make([]*memoryRecord, 0, len(results))
	for _, r := range results {
		records = append(records, toRecord(r.Memory, r.Username, r.Distance))
	}
	return records
}

type addRequest struct {
	Memories []*memory.AddInput `json:"memories"`
}

type searchRequest struct {
	Query     string `json:"query"`
	Username  string `json:"username"`
	ChannelID string `json:"channel_id"`
	ServerID  string `json:"server_id"`
	Limit     int    `json:"limit"`
}

type listResponse struct {
	Memories []*memoryRecord `json:"memories"`
	Page     int             `json:"page"`
	HasNext  bool            `json:"has_next"`
}

func (s *Server) handleAddMemories(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, goerr.Wrap(errors.Join(model.ErrInvalidMemory, err), "invalid json body"))
		return
	}
	if len(req.Memories) == 0 {
		writeError(w, r, goerr.Wrap(model.ErrInvalidMemory, "memories are required"))
		return
	}

	memories, err := s.uc.AddBatch(r.Context(), req.Memories)
	if err != nil {
		writeError(w, r, err)
		return
	}

	records := make([]*memoryRecord, len(memories))
	for i, m := range memories {
		records[i] = toRecord(m, req.Memories[i].Username, nil)
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"memories": records})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, goerr.Wrap(model.ErrInvalidMemory, "invalid page", goerr.V("page", v)))
			return
		}
		page = n
	}

	// one extra row tells whether a next page exists
	results, err := s.uc.Retrieve(r.Context(), &memory.RetrieveInput{
		Query:     q.Get("query"),
		Username:  q.Get("username"),
		ChannelID: q.Get("channel_id"),
		ServerID:  q.Get("server_id"),
		Limit:     PageSize + 1,
		Offset:    (page - 1) * PageSize,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := listResponse{Page: page}
	if len(results) > PageSize {
		resp.HasNext = true
		results = results[:PageSize]
	}
	resp.Memories = toRecords(results)
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, goerr.Wrap(errors.Join(model.ErrInvalidMemory, err), "invalid json body"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = DefaultSearchLimit
	}

	results, err := s.uc.Retrieve(r.Context(), &memory.RetrieveInput{
		Query:     req.Query,
		Username:  req.Username,
		ChannelID: req.ChannelID,
		ServerID:  req.ServerID,
		Limit:     req.Limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"memories": toRecords(results)})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.uc.GetMemory(r.Context(), model.MemoryID(r.PathValue("id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toRecord(m, "", nil))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.uc.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.uc.GetProfile(r.Context(), r.PathValue("username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var info map[string]any
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, r, goerr.Wrap(errors.Join(model.ErrInvalidMemory, err), "invalid json body"))
		return
	}

	user, err := s.uc.UpdateProfile(r.Context(), r.PathValue("username"), info)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrUserNotFound), errors.Is(err, model.ErrMemoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidMemory),
		errors.Is(err, model.ErrRejectedByPolicy),
		errors.Is(err, model.ErrDimensionMismatch) && !errors.Is(err, model.ErrEmbeddingService):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrEmbeddingService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logging.From(r.Context()).Error("request failed", "error", err)
	} else {
		logging.From(r.Context()).Info("request rejected", "status", status, "error", err)
	}
	writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.From(r.Context()).Warn("failed to write response", "error", err)
	}
}
