package mailer

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"
)

var (
	verificationTmpl = template.Must(template.New("verification").Parse(
		`Welcome to ManuscriptHub.

Confirm your email address by opening the link below. It expires in {{.TTL}}.

{{.Link}}

If you did not create an account you can ignore this message.
`))
	resetTmpl = template.Must(template.New("reset").Parse(
		`Someone asked to reset the password for your ManuscriptHub account.

Choose a new password here. The link expires in {{.TTL}} and works once.

{{.Link}}

If this was not you, no action is needed.
`))
	changedTmpl = template.Must(template.New("changed").Parse(
		`Your ManuscriptHub password was changed at {{.At}}.

All other sessions have been signed out. If you did not make this change,
reset your password immediately at {{.Link}}.
`))
)

// Templates renders account emails with links pointing at the frontend.
type Templates struct {
	FrontendURL string
	From        string
}

type linkData struct {
	Link string
	TTL  string
	At   string
}

func (t Templates) link(path, token string) string {
	base := strings.TrimRight(t.FrontendURL, "/")
	if token == "" {
		return base + path
	}
	return base + path + "?token=" + url.QueryEscape(token)
}

// Verification renders the email-confirmation message.
func (t Templates) Verification(to, token string, ttl time.Duration) (Message, error) {
	return t.render(verificationTmpl, to, "Confirm your email", linkData{
		Link: t.link("/verify-email", token),
		TTL:  humanTTL(ttl),
	})
}

// PasswordReset renders the reset-link message.
func (t Templates) PasswordReset(to, token string, ttl time.Duration) (Message, error) {
	return t.render(resetTmpl, to, "Reset your password", linkData{
		Link: t.link("/reset-password", token),
		TTL:  humanTTL(ttl),
	})
}

// PasswordChanged renders the confirmation sent after a completed reset.
func (t Templates) PasswordChanged(to string, at time.Time) (Message, error) {
	return t.render(changedTmpl, to, "Your password was changed", linkData{
		Link: t.link("/forgot-password", ""),
		At:   at.UTC().Format(time.RFC1123),
	})
}

func (t Templates) render(tmpl *template.Template, to, subject string, data linkData) (Message, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return Message{To: to, From: t.From, Subject: subject, Text: buf.String()}, nil
}

func humanTTL(d time.Duration) string {
	switch {
	case d <= 0:
		return "soon"
	case d%time.Hour == 0 && d >= time.Hour:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	default:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
}
