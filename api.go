package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const maxCreateBody = 64 * 1024

type createRoomRequest struct {
	Image *string `json:"image"`
	Size  *int    `json:"size"`
}

type createRoomResponse struct {
	Room   string `json:"room"`
	APIURL string `json:"api_url"`
	AppURL string `json:"app_url,omitempty"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Image == nil || *req.Image == "" {
		http.Error(w, "missing image parameter", http.StatusBadRequest)
		return
	}
	size := s.store.DefaultSize()
	if req.Size != nil {
		if *req.Size < 1 {
			http.Error(w, "size must be a positive integer", http.StatusBadRequest)
			return
		}
		size = *req.Size
	}

	room := uuid.NewString()
	if err := s.store.CreateRoom(r.Context(), room, *req.Image, size); err != nil {
		s.logger.Error("create room failed", "room", room, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("room created", "room", room, "size", size)

	w.Header().Set("Location", roomPath(room))
	writeJSON(w, http.StatusCreated, createRoomResponse{
		Room:   room,
		APIURL: s.baseURL(r) + roomPath(room),
		AppURL: s.appURL(room),
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	snap, err := s.store.GetRoom(r.Context(), room)
	if errors.Is(err, ErrRoomNotFound) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get room failed", "room", room, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func roomPath(room string) string {
	return "/api/v1/room/" + url.PathEscape(room)
}

// baseURL is PUBLIC_URL when configured, otherwise derived from the request.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func (s *Server) appURL(room string) string {
	if s.cfg.AppURL == "" {
		return ""
	}
	return s.cfg.AppURL + "?room=" + url.QueryEscape(room)
}
