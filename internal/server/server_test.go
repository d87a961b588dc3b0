package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartdocs/internal/chromemdb"
	"smartdocs/internal/chunker"
	"smartdocs/internal/config"
	"smartdocs/internal/embedding"
	"smartdocs/internal/llmservice"
	"smartdocs/internal/parser"
	"smartdocs/internal/session"
	"smartdocs/internal/task"
	"smartdocs/internal/testutil"
)

type countingGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *countingGenerator) Generate(ctx context.Context, messages []llmservice.Message) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if strings.Contains(messages[len(messages)-1].Content, "Paris") {
		return "The capital is **Paris**.", nil
	}
	return "I could not find this in your uploaded documents.", nil
}

func (g *countingGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*Server, *countingGenerator) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.StagingDir = filepath.Join(t.TempDir(), "staging")
	cfg.Storage.IndexDir = filepath.Join(t.TempDir(), "index")

	index, err := chromemdb.NewVectorDBManager(cfg.Storage.IndexDir, false, embedding.NewHashEmbedder(256))
	require.NoError(t, err)
	ch, err := chunker.New(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap)
	require.NoError(t, err)
	gen := &countingGenerator{}
	svc, err := session.NewService(cfg, parser.NewLoader(cfg.Loader), ch, index, gen)
	require.NoError(t, err)

	return New(cfg, svc, task.NewManager(time.Minute, time.Minute)), gen
}

func do(t *testing.T, s *Server, req *http.Request) (*http.Response, envelope) {
	t.Helper()
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(body, &env), string(body))
	}
	return resp, env
}

func jsonRequest(method, target string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func uploadRequest(t *testing.T, target string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func createSession(t *testing.T, s *Server) session.View {
	t.Helper()
	resp, env := do(t, s, jsonRequest(http.MethodPost, "/api/sessions", nil))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var view session.View
	require.NoError(t, json.Unmarshal(env.Data, &view))
	return view
}

func geoPDF() []byte {
	return testutil.BuildPDF("The capital of France is Paris.", "Photosynthesis converts light into chemical energy.")
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	resp, env := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", env.Message)
}

func TestAPI_AskBeforeProcessingIsRejected(t *testing.T) {
	s, gen := newTestServer(t)
	view := createSession(t, s)
	assert.Equal(t, session.StateNoDocuments, view.State)

	resp, env := do(t, s, jsonRequest(http.MethodPost, "/api/sessions/"+view.ID+"/questions", map[string]string{"question": "What is the capital of France?"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Please upload and process your PDF first!", env.Message)

	var res session.AskResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Rejected)
	assert.Zero(t, gen.Calls())
}

func TestAPI_ProcessAndAsk(t *testing.T) {
	s, _ := newTestServer(t)
	view := createSession(t, s)

	resp, env := do(t, s, uploadRequest(t, "/api/sessions/"+view.ID+"/documents", map[string][]byte{"geo.pdf": geoPDF()}))
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Message)
	assert.Equal(t, "1 document(s) ready!", env.Message)

	resp, env = do(t, s, jsonRequest(http.MethodPost, "/api/sessions/"+view.ID+"/questions", map[string]string{"question": "What is the capital of France?"}))
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Message)
	var res session.AskResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Contains(t, res.Answer.Text, "Paris")
	require.NotEmpty(t, res.Answer.Sources)
	assert.Equal(t, 1, res.Answer.Sources[0].Page)

	// the transcript renders markdown and the expandable sources
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/sessions/"+view.ID, nil), -1)
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	html := string(page)
	assert.Contains(t, html, "<strong>Paris</strong>")
	assert.Contains(t, html, "<details>")
	assert.Contains(t, html, "geo.pdf (page 1)")
	assert.Contains(t, html, view.ShortID)
}

func TestAPI_Errors(t *testing.T) {
	s, _ := newTestServer(t)
	view := createSession(t, s)

	resp, env := do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session not found", env.Message)

	resp, _ = do(t, s, jsonRequest(http.MethodPost, "/api/sessions/"+view.ID+"/questions", map[string]string{"question": ""}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, s, uploadRequest(t, "/api/sessions/"+view.ID+"/documents", map[string][]byte{"bad.pdf": []byte("garbage")}))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = do(t, s, uploadRequest(t, "/api/sessions/"+view.ID+"/documents", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_AsyncQuestion(t *testing.T) {
	s, _ := newTestServer(t)
	view := createSession(t, s)

	resp, _ := do(t, s, uploadRequest(t, "/api/sessions/"+view.ID+"/documents?async=true", map[string][]byte{"geo.pdf": geoPDF()}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, env := do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/"+view.ID, nil))
		var v session.View
		_ = json.Unmarshal(env.Data, &v)
		return v.DocsReady
	}, 5*time.Second, 20*time.Millisecond)

	resp, env := do(t, s, jsonRequest(http.MethodPost, "/api/sessions/"+view.ID+"/questions?async=true", map[string]string{"question": "What is the capital of France?"}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var snap task.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, "ask", snap.Kind)

	final, err := s.tasks.Wait(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusResolved, final.Status)

	resp, env = do(t, s, httptest.NewRequest(http.MethodGet, "/api/tasks/"+snap.ID, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, task.StatusResolved, snap.Status)
}

func TestHTML_Flow(t *testing.T) {
	s, gen := newTestServer(t)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/sessions/"))

	form := url.Values{"question": {"What is the capital of France?"}}
	req := httptest.NewRequest(http.MethodPost, location+"/ask", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = s.App().Test(req, -1)
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), "Please upload and process your PDF first!")
	assert.Zero(t, gen.Calls())

	resp, err = s.App().Test(uploadRequest(t, location+"/documents", map[string][]byte{"geo.pdf": geoPDF()}), -1)
	require.NoError(t, err)
	page, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "1 document(s) ready!")
}

func TestAPI_DeleteSession(t *testing.T) {
	s, _ := newTestServer(t)
	view := createSession(t, s)

	resp, _ := do(t, s, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+view.ID, nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/"+view.ID, nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SessionsStayApartAcrossRequests(t *testing.T) {
	s, _ := newTestServer(t)
	a := createSession(t, s)
	b := createSession(t, s)

	resp, _ := do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/"+a.ID, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/"+b.ID, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := s.svc.Session(a.ID)
	require.NoError(t, err)

	// a background upload for a must land in a even when b is read meanwhile
	resp, env := do(t, s, uploadRequest(t, "/api/sessions/"+a.ID+"/documents?async=true", map[string][]byte{"geo.pdf": geoPDF()}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var snap task.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/"+b.ID, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	final, err := s.tasks.Wait(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusResolved, final.Status, final.Error)
	assert.Equal(t, a.ID, final.SessionID)

	sessA, err := s.svc.Session(a.ID)
	require.NoError(t, err)
	sessB, err := s.svc.Session(b.ID)
	require.NoError(t, err)
	assert.True(t, sessA.View().DocsReady)
	assert.False(t, sessB.View().DocsReady)

	resp, env = do(t, s, jsonRequest(http.MethodPost, "/api/sessions/"+b.ID+"/questions", map[string]string{"question": "What is the capital of France?"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res session.AskResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Rejected)
}
