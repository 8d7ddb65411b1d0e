// Package gemini implements event extraction on Google Gemini.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/legalflow/legalflow/pkg/extract"
)

// Extractor calls Gemini with a versioned chronology prompt and parses the
// JSON event list out of the response.
type Extractor struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// New creates a Gemini-backed extractor.
func New(ctx context.Context, apiKey, modelName string) (*Extractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}
	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"

	return &Extractor{client: client, model: model, name: "gemini"}, nil
}

func (e *Extractor) Name() string { return e.name }

// Close releases the underlying client.
func (e *Extractor) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

func (e *Extractor) SupportsPromptVersion(v string) bool {
	_, ok := prompts[v]
	return ok
}

// PromptVersions lists the versions this extractor ships.
func PromptVersions() []string {
	out := make([]string, 0, len(prompts))
	for v := range prompts {
		out = append(out, v)
	}
	return out
}

func (e *Extractor) Extract(ctx context.Context, doc *extract.NormalizedDoc, promptVersion string) ([]extract.CandidateEvent, error) {
	tmpl, ok := prompts[promptVersion]
	if !ok {
		tmpl = prompts[defaultPromptVersion]
	}

	text := doc.Markdown
	if text == "" {
		text = doc.PlainText
	}
	prompt := strings.Replace(tmpl, "{{DOCUMENT}}", text, 1)

	resp, err := e.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		if isRetryable(err) {
			return nil, extract.MarkTransient(fmt.Errorf("gemini generation error: %w", err))
		}
		return nil, fmt.Errorf("gemini generation error: %w", err)
	}

	raw := responseText(resp)
	if raw == "" {
		return nil, extract.MarkTransient(fmt.Errorf("empty response from gemini"))
	}

	events, err := parseEvents(raw)
	if err != nil {
		// Malformed model output tends to be a one-off; let the retry
		// policy take another shot.
		return nil, extract.MarkTransient(err)
	}
	return events, nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

// parseEvents unmarshals the model's JSON array, tolerating markdown code
// fences around it.
func parseEvents(raw string) ([]extract.CandidateEvent, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	// Some responses wrap the array in an object.
	if strings.HasPrefix(s, "{") {
		var wrapper struct {
			Events []extract.CandidateEvent `json:"events"`
		}
		if err := json.Unmarshal([]byte(s), &wrapper); err != nil {
			return nil, fmt.Errorf("failed to parse gemini response: %w", err)
		}
		return wrapper.Events, nil
	}

	var events []extract.CandidateEvent
	if err := json.Unmarshal([]byte(s), &events); err != nil {
		return nil, fmt.Errorf("failed to parse gemini response: %w", err)
	}
	return events, nil
}

// isRetryable matches quota and availability errors worth retrying.
func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "quota", "resource exhausted",
		"deadline exceeded", "timeout", "unavailable", "503", "500", "internal",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
