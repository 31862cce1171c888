package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wudi/pdfkit/builder"
	"github.com/wudi/pdfkit/writer"
	"golang.org/x/net/websocket"

	"github.com/abustany/pdfgrab/internal/store"
	"github.com/abustany/pdfgrab/pkg/assemble"
	"github.com/abustany/pdfgrab/pkg/platform"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type fakeService struct {
	loginErr error
	library  map[string]platform.Book
	page     []byte
}

func (f *fakeService) Login(_ context.Context, creds platform.Credentials) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	if creds.Password != "secret" {
		return "", fmt.Errorf("login: %w: wrong password", platform.ErrAuthentication)
	}
	return "tok", nil
}

func (f *fakeService) CheckToken(_ context.Context, token string) (bool, error) {
	if token == "down" {
		return false, fmt.Errorf("%w: connection refused", platform.ErrTransport)
	}
	return token == "tok", nil
}

func (f *fakeService) Library(_ context.Context, token string) (map[string]platform.Book, error) {
	if token != "tok" {
		return nil, fmt.Errorf("%w: invalid token", platform.ErrAuthentication)
	}
	return f.library, nil
}

func (f *fakeService) Assemble(_ context.Context, token, bookID string, book platform.Book, progress platform.ProgressFunc) (*assemble.Document, error) {
	if bookID == "broken" {
		progress(1, "Getting resources")
		return nil, fmt.Errorf("%w: bad padding", platform.ErrDecryption)
	}

	for _, p := range []int{0, 1, 3, 50, 93, 98, 100} {
		progress(p, "working")
	}

	return assemble.Build([]assemble.Page{{ID: 1, Data: f.page, Label: "1"}}, nil)
}

func onePagePDF(t *testing.T) []byte {
	t.Helper()

	b := builder.NewBuilder()
	b.NewPage(200, 200).DrawText("page", 20, 20, builder.TextOptions{FontSize: 12}).Finish()

	doc, err := b.Build()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, (&writer.WriterBuilder{}).Build().Write(context.Background(), doc, &buf, writer.Config{Version: writer.PDF17}))

	return buf.Bytes()
}

func newTestServer(t *testing.T) (*Server, *fakeService, *store.Store) {
	log, _ := test.NewNullLogger()

	svc := &fakeService{
		library: map[string]platform.Book{
			"1":      {ID: "1", Title: "Algebra", Revision: "2"},
			"broken": {ID: "broken", Title: "Broken"},
		},
	}

	registry := platform.NewRegistry()
	registry.Register("fake", "Fake service", svc)

	st := store.New(t.TempDir(), store.WithLogger(log))

	return New(registry, st, WithLogger(log)), svc, st
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestRootAndServices(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, s, http.MethodGet, "/api/services", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var services servicesResponse
	decode(t, rec, &services)
	assert.Equal(t, []platform.Info{{Code: "fake", Name: "Fake service"}}, services.Services)

	rec = do(t, s, http.MethodOptions, "/api/services/fake/login", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLogin(t *testing.T) {
	s, svc, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/services/fake/login", `{"username":"u","password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res loginResponse
	decode(t, rec, &res)
	assert.Equal(t, loginResponse{Success: true, Token: "tok", Service: "fake"}, res)

	cases := []struct {
		name     string
		path     string
		body     string
		loginErr error
		status   int
	}{
		{"unknown service", "/api/services/nope/login", `{}`, nil, http.StatusNotFound},
		{"bad body", "/api/services/fake/login", `{`, nil, http.StatusBadRequest},
		{"bad credentials", "/api/services/fake/login", `{"password":"x"}`, nil, http.StatusUnauthorized},
		{"timeout", "/api/services/fake/login", `{}`, fmt.Errorf("%w: %w", platform.ErrTransport, timeoutError{}), http.StatusGatewayTimeout},
		{"deadline", "/api/services/fake/login", `{}`, context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unreachable", "/api/services/fake/login", `{}`, fmt.Errorf("%w: connection refused", platform.ErrTransport), http.StatusServiceUnavailable},
		{"other", "/api/services/fake/login", `{}`, fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			svc.loginErr = c.loginErr
			rec := do(t, s, http.MethodPost, c.path, c.body)
			assert.Equal(t, c.status, rec.Code)

			var e errorResponse
			decode(t, rec, &e)
			assert.NotEmpty(t, e.Detail)
		})
	}
}

func TestCheckToken(t *testing.T) {
	s, _, _ := newTestServer(t)

	for token, want := range map[string]checkTokenResponse{
		"tok":     {Valid: true, Service: "fake"},
		"expired": {Valid: false, Service: "fake"},
		"down":    {Valid: false, Error: "transport error: connection refused"},
	} {
		rec := do(t, s, http.MethodPost, "/api/services/fake/check-token", `{"token":"`+token+`"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var res checkTokenResponse
		decode(t, rec, &res)
		assert.Equal(t, want, res, "token %s", token)
	}
}

func TestLibrary(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/services/fake/library", `{"token":"tok"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res libraryResponse
	decode(t, rec, &res)
	assert.Equal(t, 2, res.Count)
	require.Len(t, res.Books, 2)
	assert.Equal(t, "Algebra", res.Books[0].Title)
	assert.Equal(t, "2", res.Books[0].Data.Revision)

	rec = do(t, s, http.MethodPost, "/api/services/fake/library", `{"token":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFilesAndStats(t *testing.T) {
	s, _, st := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/files", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var files filesResponse
	decode(t, rec, &files)
	assert.Equal(t, 0, files.Count)
	assert.NotNil(t, files.Files)

	require.NoError(t, os.MkdirAll(filepath.Join(st.Dir(), "fake"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(st.Dir(), "fake", "Algebra.pdf"), []byte("%PDF-1.7"), 0o644))

	rec = do(t, s, http.MethodGet, "/api/files", "")
	decode(t, rec, &files)
	require.Equal(t, 1, files.Count)
	assert.Equal(t, "fake/Algebra.pdf", files.Files[0].Path)

	rec = do(t, s, http.MethodGet, "/api/files/fake/Algebra.pdf", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.7", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/files/fake/Missing.pdf", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats store.Stats
	decode(t, rec, &stats)
	assert.Equal(t, store.Stats{
		TotalFiles: 1,
		TotalSize:  8,
		Services:   map[string]store.ServiceStats{"fake": {Files: 1, Size: 8}},
	}, stats)
}

func TestDownloadWebsocket(t *testing.T) {
	s, svc, st := newTestServer(t)
	svc.page = onePagePDF(t)

	ts := httptest.NewServer(s)
	defer ts.Close()

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/download/client-1", "", ts.URL)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, websocket.JSON.Send(ws, downloadRequest{
		Action:  "download",
		Service: "fake",
		Token:   "tok",
		BookIDs: []string{"1", "missing", "broken"},
	}))

	var msgs []downloadMessage
	for {
		var m downloadMessage
		require.NoError(t, websocket.JSON.Receive(ws, &m))
		msgs = append(msgs, m)
		if m.Status == StatusAllCompleted {
			break
		}
	}

	job := msgs[0].Job
	require.NotEmpty(t, job)

	last := map[string]int{}
	var statuses []string
	for _, m := range msgs {
		assert.Equal(t, job, m.Job)
		assert.Equal(t, 3, m.Total)

		if m.Status == StatusProgress {
			require.NotNil(t, m.Progress)
			assert.GreaterOrEqual(t, *m.Progress, last[m.BookID])
			last[m.BookID] = *m.Progress
			continue
		}
		statuses = append(statuses, m.BookID+":"+m.Status)
	}

	assert.Equal(t, []string{
		"1:" + StatusStarted,
		"1:" + StatusCompleted,
		"missing:" + StatusError,
		"broken:" + StatusStarted,
		"broken:" + StatusError,
		":" + StatusAllCompleted,
	}, statuses)
	assert.Equal(t, 100, last["1"])

	files, err := st.List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "fake/Algebra.pdf", files[0].Path)

	data, err := os.ReadFile(filepath.Join(st.Dir(), "fake", "Algebra.pdf"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}

func TestDownloadUnknownService(t *testing.T) {
	s, _, _ := newTestServer(t)

	ts := httptest.NewServer(s)
	defer ts.Close()

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/download/client-2", "", ts.URL)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, websocket.JSON.Send(ws, map[string]any{"action": "ping"}))
	require.NoError(t, websocket.JSON.Send(ws, downloadRequest{Action: "download", Service: "nope", BookIDs: []string{"1"}}))

	var m downloadMessage
	require.NoError(t, websocket.JSON.Receive(ws, &m))
	assert.Equal(t, StatusError, m.Status)
	assert.Contains(t, m.Message, "not found")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(platform.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusOf(fmt.Errorf("%w: x", platform.ErrDecryption)))
	assert.Equal(t, http.StatusGatewayTimeout, statusOf(fmt.Errorf("%w: %w", platform.ErrTransport, timeoutError{})))
}
