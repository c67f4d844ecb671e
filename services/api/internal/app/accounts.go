package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/cache"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/auth"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/mailer"
	"manuscripthub/pkg/session"
	"manuscripthub/pkg/sqldb"
	"manuscripthub/pkg/store"
)

func errInvalidCredentials() *apperr.Error {
	return apperr.Auth("invalid_credentials", "incorrect email address or password")
}

func errInvalidToken() *apperr.Error {
	return apperr.Validation("token is invalid or has expired").WithCode("invalid_token")
}

// Registration is returned to the client after sign-up. The verification
// token is only populated outside production.
type Registration struct {
	UserID            string `json:"userId"`
	VerificationToken string `json:"verificationToken,omitempty"`
}

// Register creates an unverified principal and emails a verification link.
func (a *App) Register(ctx context.Context, email, password string) (Registration, error) {
	email, err := auth.NormalizeEmail(email)
	if err != nil {
		return Registration{}, apperr.Validation("email address is invalid").WithCode("invalid_email")
	}
	if err := auth.ValidatePasswordStrength(password); err != nil {
		return Registration{}, apperr.Validation("password must be 8-128 characters with a letter and a digit").WithCode("weak_password")
	}
	hash, err := auth.HashPassword(password, a.iterations)
	if err != nil {
		return Registration{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user := domain.Principal{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleUser,
		Tier:         domain.TierFree,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return Registration{}, apperr.Conflict("email address is already registered").WithCode("email_taken")
		}
		return Registration{}, fmt.Errorf("create user: %w", err)
	}
	token, err := a.issueToken(ctx, user.ID, auth.PurposeVerifyEmail)
	if err != nil {
		return Registration{}, err
	}
	a.sendMail(ctx, func() (mailer.Message, error) {
		return a.templates.Verification(email, token, tokenTTL)
	})
	reg := Registration{UserID: user.ID}
	if a.exposeToken {
		reg.VerificationToken = token
	}
	return reg, nil
}

func (a *App) issueToken(ctx context.Context, userID, purpose string) (string, error) {
	token, err := auth.NewToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	now := a.now()
	if err := a.store.CreateToken(ctx, auth.HashToken(token), userID, purpose, now.Add(tokenTTL), now); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

// VerifyEmail consumes a verification token.
func (a *App) VerifyEmail(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return errInvalidToken()
	}
	now := a.now()
	userID, err := a.store.ConsumeToken(ctx, auth.HashToken(token), auth.PurposeVerifyEmail, now)
	if errors.Is(err, store.ErrTokenInvalid) {
		return errInvalidToken()
	}
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	if err := a.store.MarkEmailVerified(ctx, userID, now); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	a.cache.InvalidateUser(ctx, userID)
	return nil
}

// Login checks credentials and opens a session. Unknown emails and wrong
// passwords fail identically.
func (a *App) Login(ctx context.Context, email, password string, fp session.Fingerprint) (string, domain.Principal, error) {
	normalized, err := auth.NormalizeEmail(email)
	if err != nil {
		auth.VerifyPassword(password, a.dummyHash)
		return "", domain.Principal{}, errInvalidCredentials()
	}
	user, err := a.store.UserByEmail(ctx, normalized)
	if sqldb.IsNotFound(err) {
		auth.VerifyPassword(password, a.dummyHash)
		return "", domain.Principal{}, errInvalidCredentials()
	}
	if err != nil {
		return "", domain.Principal{}, fmt.Errorf("load user: %w", err)
	}
	if !auth.VerifyPassword(password, user.PasswordHash) {
		return "", domain.Principal{}, errInvalidCredentials()
	}
	if auth.NeedsRehash(user.PasswordHash, a.iterations) {
		if hash, err := auth.HashPassword(password, a.iterations); err == nil {
			if err := a.store.UpdatePassword(ctx, user.ID, hash, a.now()); err != nil {
				util.LoggerFromContext(ctx).Warn("password_rehash_failed", "user_id", user.ID, "err", err)
			}
		}
	}
	token, err := a.env.Sessions.Create(ctx, user.ID, a.sessionTTL, fp)
	if err != nil {
		return "", domain.Principal{}, fmt.Errorf("create session: %w", err)
	}
	return token, user, nil
}

// Logout revokes one session token.
func (a *App) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return a.env.Sessions.Destroy(ctx, token)
}

// RequestPasswordReset never reveals whether the address exists: every
// outcome, including internal failures, looks like success to the caller.
func (a *App) RequestPasswordReset(ctx context.Context, email string) {
	logger := util.LoggerFromContext(ctx)
	normalized, err := auth.NormalizeEmail(email)
	if err != nil {
		return
	}
	user, err := a.store.UserByEmail(ctx, normalized)
	if err != nil {
		if !sqldb.IsNotFound(err) {
			logger.Error("password_reset_lookup_failed", "err", err)
		}
		return
	}
	now := a.now()
	if err := a.store.InvalidateTokens(ctx, user.ID, auth.PurposePasswordReset, now); err != nil {
		logger.Warn("password_reset_invalidate_failed", "user_id", user.ID, "err", err)
	}
	token, err := a.issueToken(ctx, user.ID, auth.PurposePasswordReset)
	if err != nil {
		logger.Error("password_reset_token_failed", "user_id", user.ID, "err", err)
		return
	}
	a.sendMail(ctx, func() (mailer.Message, error) {
		return a.templates.PasswordReset(user.Email, token, tokenTTL)
	})
}

// VerifyResetToken reports whether a reset token is still usable.
func (a *App) VerifyResetToken(ctx context.Context, token string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}
	_, err := a.store.PeekToken(ctx, auth.HashToken(token), auth.PurposePasswordReset, a.now())
	if errors.Is(err, store.ErrTokenInvalid) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("peek token: %w", err)
	}
	return true, nil
}

// ResetPassword consumes a reset token, replaces the verifier and signs the
// principal out everywhere.
func (a *App) ResetPassword(ctx context.Context, token, password string) error {
	if err := auth.ValidatePasswordStrength(password); err != nil {
		return apperr.Validation("password must be 8-128 characters with a letter and a digit").WithCode("weak_password")
	}
	if strings.TrimSpace(token) == "" {
		return errInvalidToken()
	}
	now := a.now()
	userID, err := a.store.ConsumeToken(ctx, auth.HashToken(token), auth.PurposePasswordReset, now)
	if errors.Is(err, store.ErrTokenInvalid) {
		return errInvalidToken()
	}
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	hash, err := auth.HashPassword(password, a.iterations)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := a.store.UpdatePassword(ctx, userID, hash, now); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	logger := util.LoggerFromContext(ctx)
	if err := a.store.InvalidateTokens(ctx, userID, auth.PurposePasswordReset, now); err != nil {
		logger.Warn("password_reset_invalidate_failed", "user_id", userID, "err", err)
	}
	if err := a.env.Sessions.DestroyAll(ctx, userID); err != nil {
		logger.Warn("session_revoke_failed", "user_id", userID, "err", err)
	}
	a.cache.InvalidateUser(ctx, userID)
	if user, err := a.store.UserByID(ctx, userID); err == nil {
		a.sendMail(ctx, func() (mailer.Message, error) {
			return a.templates.PasswordChanged(user.Email, now)
		})
	}
	return nil
}

// Principal loads a principal through the profile cache.
func (a *App) Principal(ctx context.Context, id string) (*domain.Principal, error) {
	return cache.GetOrFetch(ctx, a.cache, cache.UserKey(id), cache.TTLUser, func(ctx context.Context) (*domain.Principal, error) {
		user, err := a.store.UserByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &user, nil
	})
}

// ResolveSession maps a session token to its principal. Unknown tokens and
// sessions of deleted principals resolve to nil.
func (a *App) ResolveSession(ctx context.Context, token string) (*domain.Principal, error) {
	if token == "" {
		return nil, nil
	}
	rec, err := a.env.Sessions.Read(ctx, token)
	if err != nil || rec == nil {
		return nil, err
	}
	user, err := a.Principal(ctx, rec.PrincipalID)
	if sqldb.IsNotFound(err) {
		_ = a.env.Sessions.Destroy(ctx, token)
		return nil, nil
	}
	return user, err
}
