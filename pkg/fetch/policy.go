package fetch

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// EgressPolicy decides which hosts guest programs may reach. A request is
// allowed when its host matches the allowlist (exact or subdomain; an empty
// allowlist allows every host) and, if set, the CEL expression evaluates to
// true over request.{method,url,host,scheme}.
type EgressPolicy struct {
	AllowHosts []string
	Schemes    []string
	Expression string

	prg        cel.Program
	mu         sync.RWMutex
	violations []Violation
	clock      func() time.Time
}

// Violation records a denied request.
type Violation struct {
	Type      string    `json:"type"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEgressPolicy compiles the optional expression. Schemes default to http and https.
func NewEgressPolicy(allowHosts []string, expression string) (*EgressPolicy, error) {
	p := &EgressPolicy{
		AllowHosts: allowHosts,
		Schemes:    []string{"http", "https"},
		Expression: expression,
		clock:      time.Now,
	}
	if expression == "" {
		return p, nil
	}

	env, err := cel.NewEnv(cel.Variable("request", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("egress expression: compile: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("egress expression: program: %w", err)
	}
	p.prg = prg
	return p, nil
}

// WithClock overrides clock for testing.
func (p *EgressPolicy) WithClock(clock func() time.Time) *EgressPolicy {
	p.clock = clock
	return p
}

// Check returns a *FetchError with ErrCodeDenied when req may not be sent.
func (p *EgressPolicy) Check(req Request) error {
	if p == nil {
		return nil
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return &FetchError{Code: ErrCodeBadRequest, URL: req.URL, Err: fmt.Errorf("invalid url")}
	}
	host := strings.ToLower(u.Hostname())
	scheme := strings.ToLower(u.Scheme)

	if !p.schemeAllowed(scheme) {
		return p.deny(req.URL, "SCHEME_NOT_ALLOWED", fmt.Sprintf("scheme %q not allowed", scheme))
	}
	if !p.hostAllowed(host) {
		return p.deny(req.URL, "HOST_NOT_ALLOWED", fmt.Sprintf("host %s not in egress allowlist", host))
	}
	if p.prg == nil {
		return nil
	}

	out, _, err := p.prg.Eval(map[string]any{
		"request": map[string]any{
			"method": req.Method,
			"url":    req.URL,
			"host":   host,
			"scheme": scheme,
		},
	})
	if err != nil {
		return p.deny(req.URL, "EXPRESSION_ERROR", fmt.Sprintf("eval: %v", err))
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return p.deny(req.URL, "EXPRESSION_ERROR", "result not bool")
	}
	if !allowed {
		return p.deny(req.URL, "EXPRESSION_DENIED", fmt.Sprintf("egress expression denied %s", host))
	}
	return nil
}

func (p *EgressPolicy) schemeAllowed(scheme string) bool {
	if len(p.Schemes) == 0 {
		return true
	}
	for _, s := range p.Schemes {
		if s == scheme {
			return true
		}
	}
	return false
}

func (p *EgressPolicy) hostAllowed(host string) bool {
	if len(p.AllowHosts) == 0 {
		return true
	}
	for _, allow := range p.AllowHosts {
		allow = strings.ToLower(allow)
		if allow == host || strings.HasSuffix(host, "."+allow) {
			return true
		}
	}
	return false
}

func (p *EgressPolicy) deny(rawURL, kind, detail string) error {
	p.mu.Lock()
	p.violations = append(p.violations, Violation{Type: kind, Detail: detail, Timestamp: p.clock()})
	p.mu.Unlock()
	return &FetchError{Code: ErrCodeDenied, URL: rawURL, Err: fmt.Errorf("%s", detail)}
}

// Violations returns all recorded denials.
func (p *EgressPolicy) Violations() []Violation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]Violation, len(p.violations))
	copy(result, p.violations)
	return result
}
