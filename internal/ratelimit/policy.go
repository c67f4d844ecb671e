package ratelimit

import (
	"net/http"
	"strings"
	"time"

	"manuscripthub/pkg/domain"
)

type Class string

const (
	ClassLogin   Class = "login"
	ClassUpload  Class = "upload"
	ClassDefault Class = "default"
)

const (
	ScopeIP    = "ip"
	ScopeUser  = "user"
	ScopeClass = "class"
	globalID   = "global"
)

// Limit is a request budget per window.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Policy resolves the windows a request is counted against.
type Policy struct {
	Classes         map[Class]Limit
	PerIP           Limit
	PerUser         Limit
	TierMultipliers map[domain.Tier]int
	BypassPrefixes  []string
}

func DefaultPolicy() Policy {
	return Policy{
		Classes: map[Class]Limit{
			ClassLogin:   {Limit: 5, Window: time.Minute},
			ClassUpload:  {Limit: 20, Window: time.Hour},
			ClassDefault: {Limit: 120, Window: time.Minute},
		},
		PerIP:   Limit{Limit: 600, Window: time.Minute},
		PerUser: Limit{Limit: 300, Window: time.Minute},
		TierMultipliers: map[domain.Tier]int{
			domain.TierFree:       1,
			domain.TierPro:        2,
			domain.TierEnterprise: 5,
		},
		BypassPrefixes: []string{"/webhooks/", "/static/", "/healthz", "/metrics"},
	}
}

// Request is what the limiter needs to know about an HTTP request.
type Request struct {
	IP          string
	PrincipalID string
	Tier        domain.Tier
	Method      string
	Path        string
}

// Rule is one window a request is counted against.
type Rule struct {
	Scope string
	ID    string
	Class Class
	Limit
}

// Key is the storage key of the rule's window.
func (r Rule) Key() string {
	return "ratelimit:" + r.Scope + ":" + r.ID + ":" + string(r.Class)
}

// Bypassed reports whether path skips rate limiting entirely.
func (p Policy) Bypassed(path string) bool {
	for _, prefix := range p.BypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ClassFor maps a route to its endpoint class.
func (p Policy) ClassFor(method, path string) Class {
	path = strings.TrimSuffix(path, "/")
	switch {
	case method == http.MethodPost && (path == "/auth/login" || path == "/auth/password-reset-request" || path == "/auth/password-reset"):
		return ClassLogin
	case method == http.MethodPost && strings.HasPrefix(path, "/upload/"):
		return ClassUpload
	}
	return ClassDefault
}

func (p Policy) multiplier(tier domain.Tier) int {
	if m, ok := p.TierMultipliers[tier]; ok && m > 0 {
		return m
	}
	return 1
}

// Rules lists the windows for req: the endpoint class, the client IP and,
// when authenticated, the principal. Tier multipliers scale every window
// except the login class and the per-IP window.
func (p Policy) Rules(req Request) []Rule {
	class := p.ClassFor(req.Method, req.Path)
	mult := 1
	if req.PrincipalID != "" {
		mult = p.multiplier(req.Tier)
	}
	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		ip = "unknown"
	}

	var rules []Rule
	if lim, ok := p.Classes[class]; ok && lim.Limit > 0 {
		subject := ip
		if req.PrincipalID != "" && class != ClassLogin {
			subject = req.PrincipalID
		}
		if class != ClassLogin {
			lim.Limit *= mult
		}
		rules = append(rules, Rule{Scope: ScopeClass, ID: subject, Class: class, Limit: lim})
	}
	if p.PerIP.Limit > 0 {
		rules = append(rules, Rule{Scope: ScopeIP, ID: ip, Class: globalID, Limit: p.PerIP})
	}
	if req.PrincipalID != "" && p.PerUser.Limit > 0 {
		lim := p.PerUser
		lim.Limit *= mult
		rules = append(rules, Rule{Scope: ScopeUser, ID: req.PrincipalID, Class: globalID, Limit: lim})
	}
	return rules
}
