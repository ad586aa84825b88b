package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"mnemo/internal/config"
	"mnemo/internal/types"
)

const featurePrompt = `You extract structured features from a personal memory note.
Return ONLY a JSON object with this shape:
{
  "people": [{"surface": "Sarah"}],
  "topics": ["budget"],
  "locations": [],
  "category": "commitment|decision|observation|question|other",
  "valence": -1.0 to 1.0,
  "arousal": -1.0 to 1.0,
  "commitments": [{"polarity": "you_owe|they_owe|mutual", "counterparty": "Sarah", "description": "...", "due_hint": "friday"}],
  "completions": ["Sarah"],
  "sensitive": ["death"]
}
"completions" lists counterparties whose earlier commitment this note reports as finished.
Known entities for this user: %s

Note: %s`

// GenAIBackend implements Backend using the Gemini API.
type GenAIBackend struct {
	client *genai.Client
	model  string
}

// NewGenAIBackend creates the model-backed extractor backend. The secondary
// language backend selects the lighter model.
func NewGenAIBackend(cfg config.Config) (*GenAIBackend, error) {
	if cfg.GenAI.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	model := cfg.GenAI.Model
	if cfg.Options.LanguageBackend == config.BackendSecondary && cfg.GenAI.SecondaryModel != "" {
		model = cfg.GenAI.SecondaryModel
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.GenAI.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}
	return &GenAIBackend{client: client, model: model}, nil
}

// ExtractFeatures asks the model for a JSON feature record.
func (b *GenAIBackend) ExtractFeatures(ctx context.Context, text string, priorEntities []string) (types.Features, error) {
	prompt := fmt.Sprintf(featurePrompt, strings.Join(priorEntities, ", "), text)

	resp, err := b.client.Models.GenerateContent(ctx, b.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](0),
		})
	if err != nil {
		return types.Features{}, fmt.Errorf("GenAI generate failed: %w", err)
	}

	raw := strings.TrimSpace(resp.Text())
	// Models occasionally wrap JSON in fences despite the MIME type.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var feats types.Features
	if err := json.Unmarshal([]byte(raw), &feats); err != nil {
		return types.Features{}, fmt.Errorf("parse feature JSON: %w", err)
	}
	return feats, nil
}

// Name returns the backend name.
func (b *GenAIBackend) Name() string { return "genai:" + b.model }
