package ai

import (
	"encoding/json"
	"fmt"
	"strconv"

	"manuscripthub/pkg/domain"
)

const systemPrompt = "You are an experienced book editor. Reply with a single JSON object and nothing else."

var stagePrompts = map[domain.Stage]string{
	domain.StageDevelopmental: `Give a developmental edit of this {{.Genre}} manuscript.
Cover structure, pacing, character arcs, plot holes and genre fit.
Return {"summary": string, "strengths": [string], "issues": [{"area": string, "detail": string}], "score": number}.
Structure: {{json .Structure}}
Manuscript:
{{truncate 120000 .Text}}`,
	domain.StageLine: `Give a line edit of this {{.Genre}} manuscript.
Cover prose rhythm, word choice, dialogue and overused phrases.
The developmental edit is: {{json .Prior}}
Return {"summary": string, "suggestions": [{"excerpt": string, "suggestion": string}], "score": number}.
Manuscript:
{{truncate 120000 .Text}}`,
	domain.StageCopy: `Copy edit this {{.Genre}} manuscript for grammar, spelling, punctuation and consistency.
Earlier passes: {{json .Prior}}
Return {"summary": string, "corrections": [{"original": string, "corrected": string, "rule": string}], "errorRate": number}.
Manuscript:
{{truncate 120000 .Text}}`,
}

var assetPrompts = map[domain.AssetKind]string{
	domain.AssetBookDescription:   `Write a retailer book description (150-250 words) for this {{.Genre}} book. Return {"description": string, "hook": string}.`,
	domain.AssetKeywords:          `Suggest seven retailer search keywords for this {{.Genre}} book. Return {"keywords": [string]}.`,
	domain.AssetCategories:        `Suggest three BISAC categories for this {{.Genre}} book. Return {"categories": [{"code": string, "name": string}]}.`,
	domain.AssetAuthorBio:         `Write a short author bio. Author details: {{json .Metadata.author}}. Return {"bio": string}.`,
	domain.AssetBackMatter:        `Write back matter (acknowledgements prompt, call to review, newsletter pitch) for this {{.Genre}} book. Return {"sections": [{"title": string, "body": string}]}.`,
	domain.AssetCoverBrief:        `Write a cover design brief for this {{.Genre}} book. Return {"mood": string, "imagery": [string], "typography": string, "palette": [string]}.`,
	domain.AssetSeriesDescription: `Write a series description. Series details: {{json .Metadata.series}}. Return {"description": string}.`,
}

const assetContext = `
Editorial analyses: {{json .Prior}}
Manuscript opening:
{{truncate 20000 .Text}}`

// Agents holds one agent per analysis stage and asset kind.
type Agents struct {
	Stages map[domain.Stage]Agent
	Assets map[domain.AssetKind]Agent
}

// NewAgents builds prompt agents over gen, each guarded by circuit when set.
func NewAgents(gen TextGenerator, circuit *Circuit) (Agents, error) {
	agents := Agents{
		Stages: make(map[domain.Stage]Agent, len(domain.Stages)),
		Assets: make(map[domain.AssetKind]Agent, len(domain.AssetKinds)),
	}
	for _, stage := range domain.Stages {
		a, err := NewPromptAgent(string(stage), systemPrompt, stagePrompts[stage], gen)
		if err != nil {
			return Agents{}, err
		}
		agents.Stages[stage] = Guard(a, circuit)
	}
	for _, kind := range domain.AssetKinds {
		a, err := NewPromptAgent(string(kind), systemPrompt, assetPrompts[kind]+assetContext, gen)
		if err != nil {
			return Agents{}, err
		}
		agents.Assets[kind] = Guard(a, circuit)
	}
	return agents, nil
}

// StaticAgents returns canned results for every stage and asset kind.
func StaticAgents() Agents {
	agents := Agents{
		Stages: make(map[domain.Stage]Agent, len(domain.Stages)),
		Assets: make(map[domain.AssetKind]Agent, len(domain.AssetKinds)),
	}
	for _, stage := range domain.Stages {
		agents.Stages[stage] = StaticAgent{AgentName: string(stage), Result: staticResult(string(stage))}
	}
	for _, kind := range domain.AssetKinds {
		agents.Assets[kind] = StaticAgent{AgentName: string(kind), Result: staticResult(string(kind))}
	}
	return agents
}

func staticResult(name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"agent":%s,"summary":"static result","score":0}`, strconv.Quote(name)))
}
