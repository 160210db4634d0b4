package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoire/pkg/adapter/mock"
	"github.com/m-mizutani/memoire/pkg/repository"
	httpserver "github.com/m-mizutani/memoire/pkg/server/http"
	"github.com/m-mizutani/memoire/pkg/service/embedding"
	"github.com/m-mizutani/memoire/pkg/usecase/memory"
)

const dims = 8

type record struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Distance  *float64       `json:"distance"`
	ChannelID string         `json:"channel_id"`
	Username  string         `json:"username"`
}

type memoriesResponse struct {
	Memories []record `json:"memories"`
	Page     int      `json:"page"`
	HasNext  bool     `json:"has_next"`
}

func setup(t *testing.T) (*httptest.Server, *mock.Embedder) {
	t.Helper()
	repo, err := repository.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "memoire.db"),
		repository.WithDimensions(dims))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	embedder := mock.NewEmbedder(dims)
	client, err := embedding.New(embedder, embedding.WithDimensions(dims))
	gt.NoError(t, err)

	srv := httptest.NewServer(httpserver.New(memory.New(repo, client), "").Handler())
	t.Cleanup(srv.Close)
	return srv, embedder
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		gt.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	gt.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	gt.NoError(t, err)
	defer resp.Body.Close()

	gt.Equal(t, resp.Header.Get("Content-Type"), "application/json")
	if out != nil {
		gt.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func addMemories(t *testing.T, srv *httptest.Server, inputs ...*memory.AddInput) memoriesResponse {
	t.Helper()
	var resp memoriesResponse
	status := do(t, http.MethodPost, srv.URL+"/api/memories", map[string]any{"memories": inputs}, &resp)
	gt.Equal(t, status, http.StatusCreated)
	return resp
}

func TestAddAndGetMemory(t *testing.T) {
	srv, _ := setup(t)

	added := addMemories(t, srv, &memory.AddInput{
		Username:  "alice",
		ChannelID: "general",
		Content:   "I moved to Lyon",
		Metadata:  map[string]any{"source": "chat"},
	})
	gt.A(t, added.Memories).Length(1)
	gt.Equal(t, added.Memories[0].Username, "alice")

	var got record
	status := do(t, http.MethodGet, srv.URL+"/api/memories/"+added.Memories[0].ID, nil, &got)
	gt.Equal(t, status, http.StatusOK)
	gt.Equal(t, got.Content, "I moved to Lyon")
	gt.Equal(t, got.ChannelID, "general")
	gt.Equal(t, got.Metadata["source"], any("chat"))

	var errResp map[string]string
	status = do(t, http.MethodGet, srv.URL+"/api/memories/missing", nil, &errResp)
	gt.Equal(t, status, http.StatusNotFound)
	gt.V(t, errResp["error"] != "").Equal(true)
}

func TestAddInvalid(t *testing.T) {
	srv, embedder := setup(t)

	status := do(t, http.MethodPost, srv.URL+"/api/memories", map[string]any{"memories": []any{}}, nil)
	gt.Equal(t, status, http.StatusBadRequest)

	status = do(t, http.MethodPost, srv.URL+"/api/memories",
		map[string]any{"memories": []*memory.AddInput{{Username: "alice"}}}, nil)
	gt.Equal(t, status, http.StatusBadRequest)

	embedder.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("service unavailable")
	}
	status = do(t, http.MethodPost, srv.URL+"/api/memories",
		map[string]any{"memories": []*memory.AddInput{{Username: "alice", Content: "hi"}}}, nil)
	gt.Equal(t, status, http.StatusBadGateway)
}

func TestListPagination(t *testing.T) {
	srv, _ := setup(t)

	var inputs []*memory.AddInput
	for _, c := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		inputs = append(inputs, &memory.AddInput{Username: "alice", Content: "memory " + c})
	}
	addMemories(t, srv, inputs...)

	var page1 memoriesResponse
	gt.Equal(t, do(t, http.MethodGet, srv.URL+"/api/memories?username=alice", nil, &page1), http.StatusOK)
	gt.A(t, page1.Memories).Length(httpserver.PageSize)
	gt.Equal(t, page1.HasNext, true)
	gt.Equal(t, page1.Memories[0].Content, "memory g")

	var page2 memoriesResponse
	gt.Equal(t, do(t, http.MethodGet, srv.URL+"/api/memories?username=alice&page=2", nil, &page2), http.StatusOK)
	gt.A(t, page2.Memories).Length(2)
	gt.Equal(t, page2.HasNext, false)
	gt.Equal(t, page2.Page, 2)

	gt.Equal(t, do(t, http.MethodGet, srv.URL+"/api/memories?page=zero", nil, nil), http.StatusBadRequest)
	gt.Equal(t, do(t, http.MethodGet, srv.URL+"/api/memories?username=bob", nil, nil), http.StatusNotFound)
}

func TestSearch(t *testing.T) {
	srv, _ := setup(t)
	addMemories(t, srv,
		&memory.AddInput{Username: "alice", Content: "I like green tea"},
		&memory.AddInput{Username: "alice", Content: "I play chess"},
		&memory.AddInput{Username: "alice", Content: "I have a cat"},
		&memory.AddInput{Username: "alice", Content: "I live in Lyon"},
		&memory.AddInput{Username: "bob", Content: "I play chess"},
	)

	var resp memoriesResponse
	status := do(t, http.MethodPost, srv.URL+"/api/memories/search",
		map[string]any{"query": "I play chess", "username": "alice"}, &resp)
	gt.Equal(t, status, http.StatusOK)
	gt.A(t, resp.Memories).Length(httpserver.DefaultSearchLimit)
	gt.Equal(t, resp.Memories[0].Content, "I play chess")
	gt.Equal(t, resp.Memories[0].Username, "alice")
	gt.V(t, resp.Memories[0].Distance != nil).Equal(true)

	status = do(t, http.MethodPost, srv.URL+"/api/memories/search",
		map[string]any{"query": "I play chess", "limit": 10}, &resp)
	gt.Equal(t, status, http.StatusOK)
	gt.A(t, resp.Memories).Length(5)
}

func TestUsers(t *testing.T) {
	srv, _ := setup(t)
	addMemories(t, srv, &memory.AddInput{Username: "alice", Content: "hello"})

	var list struct {
		Users []struct {
			Username    string `json:"username"`
			MemoryCount int    `json:"memory_count"`
		} `json:"users"`
	}
	gt.Equal(t, do(t, http.MethodGet, srv.URL+"/api/users", nil, &list), http.StatusOK)
	gt.A(t, list.Users).Length(1)
	gt.Equal(t, list.Users[0].Username, "alice")
	gt.Equal(t, list.Users[0].MemoryCount, 1)

	var profile struct {
		Username   string         `json:"username"`
		CustomInfo map[string]any `json:"custom_info"`
	}
	status := do(t, http.MethodPost, srv.URL+"/api/users/alice", map[string]any{"timezone": "Europe/Paris"}, &profile)
	gt.Equal(t, status, http.StatusOK)
	gt.Equal(t, profile.CustomInfo["timezone"], any("Europe/Paris"))

	gt.Equal(t, do(t, http.MethodGet, srv.URL+"/api/users/alice", nil, &profile), http.StatusOK)
	gt.Equal(t, profile.Username, "alice")
	gt.Equal(t, do(t, http.MethodGet, srv.URL+"/api/users/carol", nil, nil), http.StatusNotFound)
}
