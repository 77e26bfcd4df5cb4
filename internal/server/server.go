// Package server exposes the stored ILI data over HTTP.
package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/TobiSchelling/ilicrawler/internal/database"
	"github.com/TobiSchelling/ilicrawler/internal/epiweek"
	"github.com/TobiSchelling/ilicrawler/internal/observability"
	"github.com/TobiSchelling/ilicrawler/internal/report"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Store is the read-only data the server needs.
type Store interface {
	report.Store
	GetAvailableWeeks() ([]int, error)
	GetLatestILIByRegion(week int) ([]database.RegionValue, error)
	GetSeries(regions []string, from, to int) ([]database.RegionValue, error)
	GetStats() (*database.Stats, error)
	GetLastRun() (*database.IngestRun, error)
}

// Server is the HTTP server for the dashboard and data API.
type Server struct {
	store      Store
	composer   *report.Composer
	topRegions int
	pages      map[string]*template.Template
	router     *mux.Router
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a new Server.
func New(store Store, topRegions int, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	funcMap := template.FuncMap{
		"markdown":  renderMarkdown,
		"weekLabel": epiweek.Format,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so its "content" block stays separate.
	pageNames := []string{"index.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		store:      store,
		composer:   report.NewComposer(store),
		topRegions: topRegions,
		pages:      pages,
		router:     mux.NewRouter(),
		logger:     logger,
		now:        time.Now,
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(metricsMiddleware)

	staticSub, _ := fs.Sub(staticFS, "static")
	s.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/available-weeks", s.handleAvailableWeeks).Methods(http.MethodGet)
	s.router.HandleFunc("/state-data", s.handleStateData).Methods(http.MethodGet)
	s.router.HandleFunc("/series", s.handleSeries).Methods(http.MethodGet)
	s.router.HandleFunc("/chart.png", s.handleChart).Methods(http.MethodGet)
	s.router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	week := 0
	if v := r.URL.Query().Get("week"); v != "" {
		w2, ok := parseWeek(v)
		if !ok {
			http.Error(w, "Invalid week parameter", http.StatusBadRequest)
			return
		}
		week = w2
	}

	rep, err := s.composer.Compose(week, s.topRegions)
	if err != nil {
		s.internalError(w, "composing report", err)
		return
	}
	stats, err := s.store.GetStats()
	if err != nil {
		s.internalError(w, "loading stats", err)
		return
	}
	lastRun, err := s.store.GetLastRun()
	if err != nil {
		s.internalError(w, "loading last run", err)
		return
	}
	weeks, err := s.store.GetAvailableWeeks()
	if err != nil {
		s.internalError(w, "loading weeks", err)
		return
	}

	var tiles []regionTile
	if rep.Epiweek > 0 {
		values, err := s.store.GetLatestILIByRegion(rep.Epiweek)
		if err != nil {
			s.internalError(w, "loading region values", err)
			return
		}
		tiles = regionTiles(values)
	}

	chartRegions := make([]string, 0, len(rep.Top))
	for _, row := range rep.Top {
		chartRegions = append(chartRegions, strings.ToLower(row.Region))
	}

	// Newest first for the selector.
	recent := make([]int, 0, len(weeks))
	for i := len(weeks) - 1; i >= 0 && len(recent) < 104; i-- {
		recent = append(recent, weeks[i])
	}

	s.render(w, "index.html", map[string]any{
		"Report":  rep,
		"Stats":   stats,
		"LastRun": lastRun,
		"Weeks":   recent,
		"Regions": tiles,
		"Chart":   strings.Join(chartRegions, ","),
	})
}

// regionTile is one cell of the dashboard's colored region grid.
type regionTile struct {
	Region string
	Value  string
	Style  template.CSS
}

func regionTiles(values []database.RegionValue) []regionTile {
	tiles := make([]regionTile, 0, len(values))
	for _, v := range values {
		value := "No data"
		if v.ILI != nil {
			value = fmt.Sprintf("%.2f%%", *v.ILI)
		}
		tiles = append(tiles, regionTile{
			Region: strings.ToUpper(v.Region),
			Value:  value,
			Style:  template.CSS("background-color: " + iliColor(v.ILI)), //nolint: gosec
		})
	}
	return tiles
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("Template not found", zap.String("template", name))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.internalError(w, "rendering "+name, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error("Request failed", zap.String("op", what), zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on 127.0.0.1:port until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, store Store, port, topRegions int, logger *zap.Logger) error {
	s, err := New(store, topRegions, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("url", "http://"+addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
