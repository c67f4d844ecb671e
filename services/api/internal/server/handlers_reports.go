package server

import (
	"net/http"
	"strings"
	"time"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/domain"
)

type shareRequest struct {
	ReportID       string `json:"reportId" validate:"required,len=8,alphanum"`
	ExpiresInHours int    `json:"expiresInHours" validate:"omitempty,min=1,max=720"`
}

func (s *Server) handleAnalysisStatus(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	st, err := s.app.AnalysisStatus(r.Context(), p, r.URL.Query().Get("reportId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func (s *Server) handleAssetStatus(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	st, err := s.app.AssetStatus(r.Context(), p, r.URL.Query().Get("reportId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	res, err := s.app.Results(r.Context(), p, r.URL.Query().Get("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

// handleReport serves the HTML report to its owner or to a share-link holder.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	id := q.Get("id")
	var (
		page []byte
		err  error
	)
	if token := strings.TrimSpace(q.Get("token")); token != "" {
		page, err = s.app.SharedReport(r.Context(), id, token)
		if err != nil && apperr.KindOf(err) == apperr.KindAuth {
			s.audit(r, "report.share_link", "fail")
		}
	} else {
		p, ok := principalFrom(r.Context())
		if !ok {
			s.audit(r, "auth.authorize", "fail", "reason", "unauthenticated")
			return apperr.Auth("unauthenticated", "authentication required")
		}
		page, err = s.app.Report(r.Context(), p, id)
	}
	if err != nil {
		return err
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Security-Policy", util.ReportCSP)
	h.Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
	return nil
}

func (s *Server) handleShareReport(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	var req shareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	ttl := s.shareTTL
	if req.ExpiresInHours > 0 {
		ttl = time.Duration(req.ExpiresInHours) * time.Hour
	}
	link, err := s.app.ShareReport(r.Context(), p, req.ReportID, ttl)
	if err != nil {
		return err
	}
	s.audit(r, "report.share", "success", "user_id", p.ID, "report_id", req.ReportID)
	writeJSON(w, http.StatusCreated, link)
	return nil
}
