// Package api exposes the file drop service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/securedrop/securedrop/internal/accesscode"
	"github.com/securedrop/securedrop/internal/auth"
	"github.com/securedrop/securedrop/internal/logging"
	"github.com/securedrop/securedrop/internal/metadata"
	"github.com/securedrop/securedrop/internal/metrics"
	"github.com/securedrop/securedrop/internal/sharing"
)

// Server wires the sharing service to HTTP routes.
type Server struct {
	service       *sharing.Service
	auth          *auth.Auth
	maxUploadSize int64
}

// NewServer creates a new server.
func NewServer(service *sharing.Service, authHandler *auth.Auth, maxUploadSize int64) *Server {
	return &Server{
		service:       service,
		auth:          authHandler,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Public endpoints; a token is never required here.
	mux.HandleFunc("POST /public/files/upload", s.handlePublicUpload)
	mux.HandleFunc("GET /public/files/{code}/meta", s.handleMetadata)
	mux.HandleFunc("GET /public/files/{code}/download", s.handleDownload)

	// Owner endpoints.
	mux.HandleFunc("POST /files/upload", auth.RequireOwner(s.handleOwnedUpload))
	mux.HandleFunc("GET /files/", auth.RequireOwner(s.handleList))
	mux.HandleFunc("PATCH /files/{code}/settings", auth.RequireOwner(s.handleUpdateSettings))
	mux.HandleFunc("POST /files/{code}/publish", auth.RequireOwner(s.handlePublish))
	mux.HandleFunc("DELETE /files/{code}", auth.RequireOwner(s.handleDelete))

	return metrics.Middleware(logging.Middleware(s.auth.Middleware(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// handlePublicUpload stores a file in the public pool. The upload is
// anonymous even when the request carries a valid token.
func (s *Server) handlePublicUpload(w http.ResponseWriter, r *http.Request) {
	s.upload(w, r, "")
}

func (s *Server) handleOwnedUpload(w http.ResponseWriter, r *http.Request) {
	s.upload(w, r, auth.OwnerID(r.Context()))
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
			return
		}
		s.sendError(w, http.StatusBadRequest, "multipart form expected")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}

	expiryHours, err := formInt(r, "hours")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "hours must be an integer")
		return
	}
	maxDownloads, err := formInt(r, "maxDownloads")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "maxDownloads must be an integer")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	desc, err := s.service.Upload(r.Context(), sharing.UploadInput{
		Data:         data,
		FileName:     header.Filename,
		ContentType:  contentType,
		OwnerID:      ownerID,
		ExpiryHours:  expiryHours,
		MaxDownloads: maxDownloads,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, desc)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	desc, err := s.service.GetMetadata(r.Context(), code)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, desc)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	data, contentType, fileName, err := s.service.Download(r.Context(), code)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, fileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logging.Warn("download transfer error",
			zap.String("code", code),
			zap.Error(err))
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 0)
	if err != nil || page < 0 {
		s.sendError(w, http.StatusBadRequest, "page must be a non-negative integer")
		return
	}
	pageSize, err := queryInt(r, "size", 20)
	if err != nil || pageSize <= 0 || pageSize > 100 {
		s.sendError(w, http.StatusBadRequest, "size must be between 1 and 100")
		return
	}

	result, err := s.service.ListByOwner(r.Context(), auth.OwnerID(r.Context()), page, pageSize)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	var req struct {
		Mode           string `json:"mode"`
		ExpiresInHours int    `json:"expiresInHours"`
		MaxDownloads   int    `json:"maxDownloads"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	desc, err := s.service.UpdateSettings(r.Context(), code, auth.OwnerID(r.Context()), sharing.Settings{
		Mode:           metadata.StorageMode(req.Mode),
		ExpiresInHours: req.ExpiresInHours,
		MaxDownloads:   req.MaxDownloads,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, desc)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	desc, err := s.service.Publish(r.Context(), code, auth.OwnerID(r.Context()))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, desc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	if err := s.service.Delete(r.Context(), code, auth.OwnerID(r.Context())); err != nil {
		s.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathCode extracts and validates the {code} path segment.
func (s *Server) pathCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	code := r.PathValue("code")
	if !accesscode.Valid(code) {
		s.sendError(w, http.StatusBadRequest, "malformed access code")
		return "", false
	}
	return code, true
}

// sendServiceError maps sharing errors onto HTTP statuses.
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sharing.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, sharing.ErrExpired):
		s.sendError(w, http.StatusGone, "file has expired")
	case errors.Is(err, sharing.ErrDownloadLimitExceeded):
		s.sendError(w, http.StatusTooManyRequests, "download limit exceeded")
	case errors.Is(err, sharing.ErrUnauthorized):
		s.sendError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, sharing.ErrInvalidInput):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sharing.ErrCodeSpaceExhausted):
		s.sendError(w, http.StatusServiceUnavailable, "no access codes available, try again later")
	default:
		logging.Error("request failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

func formInt(r *http.Request, field string) (int, error) {
	v := r.FormValue(field)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func queryInt(r *http.Request, param string, def int) (int, error) {
	v := r.URL.Query().Get(param)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
