// Package web serves the login-gated query page.
//
// Information Hiding:
// - Session cookies and their store are private to the package
// - Templates are embedded; callers see only an http.Handler
// - Agent errors are masked before they reach the page
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pterm/pterm"
	"github.com/richinex/tally/gate"
	"github.com/richinex/tally/internal/logging"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	pageTitle   = "Accounting & Finance Assistant"
	sessionTTL  = 12 * time.Hour
	maxFormSize = 64 << 10
)

// Authenticator classifies login attempts.
type Authenticator interface {
	Check(username, password string) gate.State
}

// Asker answers one question. asked is false when the question was blank.
type Asker interface {
	Ask(ctx context.Context, text string) (answer string, asked bool, err error)
}

// Server holds web dependencies.
type Server struct {
	auth     Authenticator
	asker    Asker
	logger   *pterm.Logger
	sessions *sessionStore
	page     *template.Template
}

// New creates a Server. A nil logger discards output.
func New(auth Authenticator, asker Asker, logger *pterm.Logger) (*Server, error) {
	page, err := template.ParseFS(templateFS, "templates/page.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		auth:     auth,
		asker:    asker,
		logger:   logger,
		sessions: newSessionStore(sessionTTL),
		page:     page,
	}, nil
}

// Handler returns the HTTP handler (router with recovery, logging, routes).
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	r.Post("/query", s.handleQuery)
	r.Post("/api/query", s.handleAPIQuery)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request", s.logger.Args(
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Microsecond).String(),
			"request_id", middleware.GetReqID(r.Context()),
		))
	})
}

type pageData struct {
	Title         string
	Authenticated bool
	Username      string
	LoginError    string
	Query         string
	Asked         bool
	Answer        string
	Error         string
}

func (s *Server) render(w http.ResponseWriter, status int, data pageData) {
	data.Title = pageTitle
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.page.Execute(w, data); err != nil {
		s.logger.Error("failed to render page", s.logger.Args("error", err.Error()))
	}
}

// currentUser returns the signed-in user for the request's session cookie.
func (s *Server) currentUser(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", false
	}
	return s.sessions.lookup(cookie.Value)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(r)
	s.render(w, http.StatusOK, pageData{Authenticated: ok, Username: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")

	switch s.auth.Check(username, password) {
	case gate.Authenticated:
		id := s.sessions.create(username)
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   r.TLS != nil,
			MaxAge:   int(sessionTTL.Seconds()),
		})
		s.logger.Info("login succeeded", s.logger.Args("user", username))
		http.Redirect(w, r, "/", http.StatusSeeOther)
	case gate.Rejected:
		s.logger.Warn("login rejected", s.logger.Args("user", username, "remote", r.RemoteAddr))
		s.render(w, http.StatusUnauthorized, pageData{Username: username, LoginError: "Incorrect username or password."})
	default:
		s.render(w, http.StatusOK, pageData{Username: username})
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.delete(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(r)
	if !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	text := r.PostForm.Get("q")

	data := pageData{Authenticated: true, Username: user, Query: text}
	answer, asked, err := s.asker.Ask(r.Context(), text)
	data.Asked = asked
	if err != nil {
		data.Error = logging.PresentError("The assistant could not answer", err)
		s.render(w, http.StatusBadGateway, data)
		return
	}
	data.Answer = answer
	s.render(w, http.StatusOK, data)
}

type apiQueryRequest struct {
	Query string `json:"query"`
}

type apiQueryResponse struct {
	Query  string `json:"query"`
	Asked  bool   `json:"asked"`
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleAPIQuery(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentUser(r); !ok {
		writeJSON(w, http.StatusUnauthorized, apiQueryResponse{Error: "not logged in"})
		return
	}

	var req apiQueryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormSize))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiQueryResponse{Error: "invalid JSON body"})
		return
	}

	answer, asked, err := s.asker.Ask(r.Context(), req.Query)
	resp := apiQueryResponse{Query: req.Query, Asked: asked, Answer: answer}
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		resp.Error = logging.Mask(err.Error())
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
