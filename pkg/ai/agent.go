package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"manuscripthub/pkg/extract"
)

// maxPromptChars bounds the manuscript text forwarded to a provider.
const maxPromptChars = 120000

// Input is everything an agent may look at.
type Input struct {
	Kind      string
	Text      string
	Genre     string
	Structure *extract.Structure
	Prior     map[string]json.RawMessage
	Metadata  map[string]json.RawMessage
}

// Output is an agent's JSON result with token accounting.
type Output struct {
	Result    json.RawMessage
	TokensIn  int
	TokensOut int
}

// Agent turns manuscript text and metadata into a JSON document.
type Agent interface {
	Name() string
	Run(ctx context.Context, in Input) (Output, error)
}

// PromptAgent renders a prompt template and asks a TextGenerator for JSON.
type PromptAgent struct {
	name   string
	system string
	tmpl   *template.Template
	gen    TextGenerator
}

func NewPromptAgent(name, system, userTemplate string, gen TextGenerator) (*PromptAgent, error) {
	if gen == nil {
		return nil, fmt.Errorf("agent %s: generator required", name)
	}
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"truncate": truncate,
		"json":     toJSON,
	}).Parse(userTemplate)
	if err != nil {
		return nil, fmt.Errorf("agent %s: parse template: %w", name, err)
	}
	return &PromptAgent{name: name, system: system, tmpl: tmpl, gen: gen}, nil
}

func (a *PromptAgent) Name() string { return a.name }

func (a *PromptAgent) Run(ctx context.Context, in Input) (Output, error) {
	var prompt bytes.Buffer
	if err := a.tmpl.Execute(&prompt, in); err != nil {
		return Output{}, fmt.Errorf("agent %s: render prompt: %w", a.name, err)
	}
	out, err := a.gen.GenerateText(ctx, a.system, prompt.String())
	if err != nil {
		return Output{}, err
	}
	return Output{Result: ExtractJSON(out.Text), TokensIn: out.TokensIn, TokensOut: out.TokensOut}, nil
}

// ExtractJSON returns the JSON document in a model reply, dropping markdown
// fences. Replies that are not JSON are wrapped as {"text": ...}.
func ExtractJSON(reply string) json.RawMessage {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if json.Valid([]byte(s)) && (strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")) {
		return json.RawMessage(s)
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		if inner := s[start : end+1]; json.Valid([]byte(inner)) {
			return json.RawMessage(inner)
		}
	}
	wrapped, _ := json.Marshal(map[string]string{"text": strings.TrimSpace(reply)})
	return wrapped
}

// StaticAgent returns a fixed document. Used for local development.
type StaticAgent struct {
	AgentName string
	Result    json.RawMessage
}

func (a StaticAgent) Name() string { return a.AgentName }

func (a StaticAgent) Run(ctx context.Context, _ Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	return Output{Result: a.Result}, nil
}

// FuncAgent adapts a function to the Agent interface.
type FuncAgent struct {
	AgentName string
	Fn        func(ctx context.Context, in Input) (Output, error)
}

func (a FuncAgent) Name() string { return a.AgentName }

func (a FuncAgent) Run(ctx context.Context, in Input) (Output, error) {
	return a.Fn(ctx, in)
}

func truncate(n int, s string) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
