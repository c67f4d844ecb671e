package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"manuscripthub/internal/apperr"
	"manuscripthub/pkg/domain"
	"manuscripthub/services/api/internal/app"
)

// multipartOverhead is headroom for form fields around the file part.
const multipartOverhead = 1 << 20

type updateManuscriptRequest struct {
	Title  *string `json:"title" validate:"omitempty,max=300"`
	Genre  *string `json:"genre" validate:"omitempty,max=100"`
	Status *string `json:"status" validate:"omitempty,oneof=archived uploaded analyzed"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.TooLarge("manuscript exceeds the upload size limit").WithDetail("maxBytes", s.app.MaxUploadBytes())
		}
		return apperr.Validation("invalid multipart form")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()
	file, header, err := r.FormFile("file")
	if err != nil {
		return apperr.Validation("file is required (field: file)")
	}
	defer file.Close()
	if header.Size > s.app.MaxUploadBytes() {
		return apperr.TooLarge("manuscript exceeds the upload size limit").WithDetail("maxBytes", s.app.MaxUploadBytes())
	}
	m, err := s.app.Upload(r.Context(), p, app.UploadInput{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Title:       r.FormValue("title"),
		Genre:       r.FormValue("genre"),
		Body:        file,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"manuscript": m})
	return nil
}

func (s *Server) handleListManuscripts(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	q := r.URL.Query()
	params := app.ListParams{
		Status: q.Get("status"),
		Genre:  q.Get("genre"),
		Cursor: q.Get("cursor"),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apperr.Validation("limit must be a positive integer")
		}
		params.Limit = n
	}
	page, err := s.app.ListManuscripts(r.Context(), p.ID, params)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, page)
	return nil
}

func (s *Server) handleManuscriptStats(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	stats, err := s.app.ManuscriptStats(r.Context(), p.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, stats)
	return nil
}

func (s *Server) handleGetManuscript(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	m, err := s.app.Manuscript(r.Context(), p.ID, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"manuscript": m})
	return nil
}

func (s *Server) handleUpdateManuscript(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	var req updateManuscriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	patch := app.ManuscriptPatch{Title: req.Title, Genre: req.Genre}
	if req.Status != nil {
		status := domain.ManuscriptStatus(*req.Status)
		patch.Status = &status
	}
	m, err := s.app.UpdateManuscript(r.Context(), p.ID, chi.URLParam(r, "id"), patch)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"manuscript": m})
	return nil
}

func (s *Server) handleDeleteManuscript(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	if err := s.app.DeleteManuscript(r.Context(), p.ID, chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	usage, err := s.app.Usage(r.Context(), p)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, usage)
	return nil
}
