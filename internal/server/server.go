// Package server exposes the registered services and the book store over
// HTTP, with download progress streamed through a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"

	"github.com/abustany/pdfgrab/internal/store"
	"github.com/abustany/pdfgrab/pkg/platform"
)

const (
	name    = "pdfgrab API"
	version = "2.0.0"
)

type Server struct {
	mux      *http.ServeMux
	services *platform.Registry
	store    *store.Store
	log      logrus.FieldLogger

	bookTimeout time.Duration
}

type Option func(*Server)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithBookTimeout bounds the time spent on each title of a download request.
// Zero means no limit.
func WithBookTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.bookTimeout = d
	}
}

func New(services *platform.Registry, st *store.Store, opts ...Option) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		services: services,
		store:    st,
		log:      logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /api/services", s.handleServices)
	s.mux.HandleFunc("POST /api/services/{service}/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/services/{service}/check-token", s.handleCheckToken)
	s.mux.HandleFunc("POST /api/services/{service}/library", s.handleLibrary)
	s.mux.HandleFunc("GET /api/files", s.handleFiles)
	s.mux.HandleFunc("GET /api/files/{service}/{filename}", s.handleFile)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	// the API is open to any origin, so is the websocket
	s.mux.Handle("GET /ws/download/{clientID}", websocket.Server{Handler: s.handleDownload})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)

	allowedHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowedHeaders == "" {
		allowedHeaders = "Content-Type, Accept"
	}
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Type, Content-Length, Content-Disposition")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// statusOf maps an error kind to the HTTP status reported to clients.
func statusOf(err error) int {
	var netErr net.Error

	switch {
	case errors.Is(err, platform.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, platform.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout
	case errors.Is(err, platform.ErrTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func detailOf(err error, status int) string {
	switch status {
	case http.StatusGatewayTimeout:
		return "Connection timeout - the service is not responding"
	case http.StatusServiceUnavailable:
		return "Cannot connect to the service"
	default:
		return err.Error()
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)

	s.log.WithError(err).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	}).Warn("Request failed")

	writeError(w, status, detailOf(err, status))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}

func (s *Server) service(w http.ResponseWriter, r *http.Request) (platform.Service, bool) {
	svc, err := s.services.Get(r.PathValue("service"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Service not found")
		return nil, false
	}
	return svc, true
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    name,
		"version": version,
		"status":  "running",
	})
}

type servicesResponse struct {
	Services []platform.Info `json:"services"`
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, servicesResponse{Services: s.services.List()})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Service string `json:"service"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := svc.Login(r.Context(), platform.Credentials{Username: req.Username, Password: req.Password})
	if err != nil {
		if errors.Is(err, platform.ErrAuthentication) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Success: true, Token: token, Service: r.PathValue("service")})
}

type tokenRequest struct {
	Token string `json:"token"`
}

type checkTokenResponse struct {
	Valid   bool   `json:"valid"`
	Service string `json:"service,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleCheckToken(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	var req tokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	valid, err := svc.CheckToken(r.Context(), req.Token)
	if err != nil {
		writeJSON(w, http.StatusOK, checkTokenResponse{Valid: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, checkTokenResponse{Valid: valid, Service: r.PathValue("service")})
}

type libraryBook struct {
	ID    string        `json:"id"`
	Title string        `json:"title"`
	Data  platform.Book `json:"data"`
}

type libraryResponse struct {
	Service string        `json:"service"`
	Books   []libraryBook `json:"books"`
	Count   int           `json:"count"`
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	var req tokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	books, err := svc.Library(r.Context(), req.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res := libraryResponse{Service: r.PathValue("service"), Books: []libraryBook{}}
	for id, b := range books {
		title := b.Title
		if title == "" {
			title = "Unknown"
		}
		res.Books = append(res.Books, libraryBook{ID: id, Title: title, Data: b})
	}
	sort.Slice(res.Books, func(i, j int) bool {
		if res.Books[i].Title != res.Books[j].Title {
			return res.Books[i].Title < res.Books[j].Title
		}
		return res.Books[i].ID < res.Books[j].ID
	})
	res.Count = len(res.Books)

	writeJSON(w, http.StatusOK, res)
}

type filesResponse struct {
	Files []store.File `json:"files"`
	Count int          `json:"count"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if files == nil {
		files = []store.File{}
	}

	writeJSON(w, http.StatusOK, filesResponse{Files: files, Count: len(files)})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	f, info, err := s.store.Open(r.PathValue("service"), r.PathValue("filename"))
	if errors.Is(err, platform.ErrNotFound) {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Name+`"`)
	http.ServeContent(w, r, info.Name, info.Modified, f)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
