package server

import (
	"net/http"
	"time"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/session"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

type resetRequestRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

type passwordResetRequest struct {
	Token    string `json:"token" validate:"required,max=256"`
	Password string `json:"password" validate:"required,max=128"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	reg, err := s.app.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", apperrCode(err))
		return err
	}
	s.audit(r, "auth.register", "success", "user_id", reg.UserID)
	writeJSON(w, http.StatusCreated, reg)
	return nil
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) error {
	if err := s.app.VerifyEmail(r.Context(), r.URL.Query().Get("token")); err != nil {
		s.audit(r, "auth.verify_email", "fail")
		return err
	}
	s.audit(r, "auth.verify_email", "success")
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	fp := session.Fingerprint{IP: util.ClientIPFromContext(r.Context()), UserAgent: r.UserAgent()}
	token, user, err := s.app.Login(r.Context(), req.Email, req.Password, fp)
	if err != nil {
		s.audit(r, "auth.login", "fail")
		return err
	}
	s.setSessionCookie(w, token, s.app.SessionTTL())
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
	return nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) error {
	token := sessionTokenFrom(r.Context())
	if token == "" {
		if c, err := r.Cookie(session.CookieName); err == nil {
			token = c.Value
		}
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		return err
	}
	s.clearSessionCookie(w)
	s.audit(r, "auth.logout", "success")
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
	return nil
}

func (s *Server) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) error {
	var req resetRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	s.app.RequestPasswordReset(r.Context(), req.Email)
	s.audit(r, "auth.password_reset_request", "success")
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "If an account exists for that address, a reset link has been sent.",
	})
	return nil
}

func (s *Server) handleVerifyResetToken(w http.ResponseWriter, r *http.Request) error {
	valid, err := s.app.VerifyResetToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
	return nil
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) error {
	var req passwordResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := s.app.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		s.audit(r, "auth.password_reset", "fail", "reason", apperrCode(err))
		return err
	}
	s.clearSessionCookie(w)
	s.audit(r, "auth.password_reset", "success")
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
	return nil
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
	usage, err := s.app.Usage(r.Context(), p)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": p, "usage": usage})
	return nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   s.cookieDomain,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
		Expires:  s.now().Add(ttl),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.cookieDomain,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}

func apperrCode(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.PublicCode()
	}
	return string(apperr.KindInternal)
}
