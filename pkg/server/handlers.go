package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/request"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/debrid"
	"github.com/darkiworld/debrid-blackhole/pkg/manager"
	"github.com/darkiworld/debrid-blackhole/pkg/version"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"net/http"
	"runtime"
	"strings"
)

type debridStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Enabled    bool   `json:"enabled"`
	Torrents   bool   `json:"torrents"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	request.JSONResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	request.JSONResponse(w, version.GetInfo(), http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := map[string]interface{}{
		"heap_alloc_mb":  fmt.Sprintf("%.2fMB", float64(memStats.HeapAlloc)/1024/1024),
		"total_alloc_mb": fmt.Sprintf("%.2fMB", float64(memStats.TotalAlloc)/1024/1024),
		"sys_mb":         fmt.Sprintf("%.2fMB", float64(memStats.Sys)/1024/1024),
		"gc_cycles":      memStats.NumGC,
		"goroutines":     runtime.NumGoroutine(),
		"num_cpu":        runtime.NumCPU(),
		"downloads":      len(s.downloads.List("")),
	}
	request.JSONResponse(w, stats, http.StatusOK)
}

// handleDebrids lists every provider with the result of a live connection test.
func (s *Server) handleDebrids(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), connectionTimeout)
	defer cancel()
	results := s.providers.TestConnections(ctx)

	out := make([]debridStatus, 0, len(s.providers.Providers()))
	for _, client := range s.providers.Providers() {
		status := debridStatus{
			Name:       client.GetName(),
			Configured: client.IsConfigured(),
			Enabled:    client.IsEnabled(),
			Torrents:   client.SupportsTorrents(),
		}
		if err, tested := results[status.Name]; tested {
			status.OK = err == nil
			if err != nil {
				status.Error = err.Error()
			}
		}
		out = append(out, status)
	}
	request.JSONResponse(w, out, http.StatusOK)
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	request.JSONResponse(w, s.downloads.List(r.URL.Query().Get("category")), http.StatusOK)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	d, err := s.downloads.GetStatus(chi.URLParam(r, "id"))
	if errors.Is(err, manager.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to get download")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	request.JSONResponse(w, d, http.StatusOK)
}

type checkLinksRequest struct {
	Links []string `json:"links"`
}

func (s *Server) handleCheckLinks(w http.ResponseWriter, r *http.Request) {
	var req checkLinksRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	links := req.Links[:0]
	for _, l := range req.Links {
		if l = strings.TrimSpace(l); l != "" {
			links = append(links, l)
		}
	}
	if len(links) == 0 {
		http.Error(w, "no links given", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectionTimeout)
	defer cancel()
	statuses, err := s.providers.CheckLinks(ctx, links)
	switch {
	case errors.Is(err, debrid.ErrNoLinkChecker):
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	case err != nil:
		s.logger.Error().Err(err).Int("links", len(links)).Msg("Failed to check links")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	request.JSONResponse(w, statuses, http.StatusOK)
}
