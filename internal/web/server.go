// Package web is the local web front: session-gated pages, a JSON API over
// the browser, and a change stream.
package web

import (
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fruitsalade/docbox/internal/browser"
	"github.com/fruitsalade/docbox/internal/events"
	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/internal/metrics"
)

//go:embed static
var assets embed.FS

var staticSuffixes = []string{".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".woff", ".woff2", ".map"}

// Options configures the server.
type Options struct {
	AllowedOrigins []string
	MaxUploadSize  int64
}

// Server is the web front.
type Server struct {
	browser     *browser.Browser
	sessions    *Sessions
	broadcaster *events.Broadcaster
	opts        Options
}

// NewServer creates a server. broadcaster feeds /api/events and should be
// the publisher the browser was built with.
func NewServer(b *browser.Browser, sessions *Sessions, broadcaster *events.Broadcaster, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 100 * 1024 * 1024
	}
	return &Server{browser: b, sessions: sessions, broadcaster: broadcaster, opts: opts}
}

// Handler returns the HTTP handler with logging, metrics and the session
// gate installed.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(metrics.Middleware)
	r.Use(s.gate)

	staticFS, _ := fs.Sub(assets, "static")
	files := http.FileServer(http.FS(staticFS))

	r.Get("/healthz", s.handleHealth)
	r.Get("/login", s.page("login.html"))
	r.Post("/login", s.handleLogin)
	r.Get("/logout", s.handleLogout)

	r.Get("/", s.page("index.html"))
	r.Get("/folder/{id}", s.page("index.html"))
	r.Get("/document/{id}", s.page("index.html"))
	r.Get("/account", s.page("index.html"))
	r.Handle("/static/*", http.StripPrefix("/static/", files))

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", logging.RequestIDHeader},
			ExposedHeaders:   []string{logging.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		r.Get("/account", s.handleAccount)
		r.Post("/reload", s.handleReload)
		r.Get("/events", s.handleEvents)

		r.Get("/tree", s.handleTree)
		r.Post("/tree/{id}/expand", s.handleExpand)
		r.Post("/tree/{id}/collapse", s.handleCollapse)

		r.Get("/folder/{id}", s.handleFolder)
		r.Get("/folder/{id}/path", s.handlePath)
		r.Post("/folder/{id}/folder", s.handleCreateFolder)
		r.Post("/folder/{id}/document", s.handleUpload)
		r.Post("/folder/{id}/move/{dest}", s.handleMoveFolder)
		r.Delete("/folder/{id}", s.handleDeleteFolder)

		r.Get("/document/{id}", s.handleDocument)
		r.Get("/document/{id}/content", s.handleContent)
		r.Post("/document/{id}/move/{dest}", s.handleMoveDocument)
		r.Delete("/document/{id}", s.handleDeleteDocument)
	})
	return r
}

func isStatic(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, s := range staticSuffixes {
		if ext == s {
			return true
		}
	}
	return false
}

// gate enforces the session boundary. Static assets, health, login and
// logout pass; a valid session on /login goes home; anything else without
// one is sent to /login, or gets 401 under /api.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if isStatic(p) || p == "/healthz" || p == "/logout" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := s.sessions.Verify(r)
		if p == "/login" {
			if err == nil {
				http.Redirect(w, r, "/", http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			if strings.HasPrefix(p, "/api/") && r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(p, "/api/") {
				sendFailure(w, http.StatusUnauthorized, "not logged in")
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func (s *Server) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := assets.ReadFile("static/" + name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	}
}

// apiResponse mirrors the backend envelope.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func sendJSON(w http.ResponseWriter, status int, v apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("writing response failed", zap.Error(err))
	}
}

func sendData(w http.ResponseWriter, data any) {
	sendJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

func sendFailure(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, apiResponse{Success: false, Message: message})
}
