package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/video-batcher/internal/config"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/types"
)

// GeminiPromptGenerator writes per-scene prompts with a Gemini model
type GeminiPromptGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiPromptGenerator creates a prompt generator client
func NewGeminiPromptGenerator(ctx context.Context, cfg *config.ProviderConfig) (*GeminiPromptGenerator, error) {
	if cfg.PromptAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.PromptAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiPromptGenerator{client: client, model: cfg.PromptModel}, nil
}

// Close releases the underlying client
func (g *GeminiPromptGenerator) Close() error {
	return g.client.Close()
}

// GeneratePrompts asks the model for one prompt per scene of the job
func (g *GeminiPromptGenerator) GeneratePrompts(ctx context.Context, cfg models.JobConfig) ([]models.ScenePrompt, error) {
	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(0.8)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = scenePromptSchema()

	resp, err := model.GenerateContent(ctx, genai.Text(BuildScenePlanPrompt(cfg)))
	if err != nil {
		return nil, apperrors.NewProviderError(types.ProviderAPIError, 0, "prompt generation failed: "+err.Error(), err)
	}

	raw, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	prompts, err := ParseScenePrompts(raw)
	if err != nil {
		return nil, err
	}

	if len(prompts) != cfg.NumberOfScenes {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"expected": cfg.NumberOfScenes,
			"received": len(prompts),
		}).Warn("Prompt generator returned a different number of scenes")
	}
	return prompts, nil
}

func scenePromptSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"sceneNumber":  {Type: genai.TypeInteger},
				"visualPrompt": {Type: genai.TypeString},
				"script":       {Type: genai.TypeString},
			},
			Required: []string{"sceneNumber", "visualPrompt"},
		},
	}
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", apperrors.NewProviderError(types.ProviderAPIError, 0, "prompt generator returned no candidates", nil)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", apperrors.NewProviderError(types.ProviderAPIError, 0, "prompt generator returned an empty response", nil)
	}
	return sb.String(), nil
}

// BuildScenePlanPrompt is the instruction sent to the model for a job
func BuildScenePlanPrompt(cfg models.JobConfig) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Write a %d-scene plan for a short vertical marketing video.\n", cfg.NumberOfScenes)
	fmt.Fprintf(&sb, "Presenter: %s, speaking directly to camera.\n", cfg.AvatarName)
	if cfg.Industry != "" {
		fmt.Fprintf(&sb, "Business: a %s company", cfg.Industry)
		if cfg.City != "" {
			fmt.Fprintf(&sb, " in %s", cfg.City)
		}
		sb.WriteString(".\n")
	}
	if cfg.StoryIdea != "" {
		fmt.Fprintf(&sb, "Story idea: %s\n", cfg.StoryIdea)
	}
	if cfg.TextOnly() {
		sb.WriteString("There is no reference image; describe the presenter and setting fully in scene 1.\n")
	} else {
		sb.WriteString("Scene 1 animates the supplied reference image; keep the presenter's appearance consistent with it.\n")
	}
	if cfg.AspectRatio != "" {
		fmt.Fprintf(&sb, "Aspect ratio: %s.\n", cfg.AspectRatio)
	}
	sb.WriteString("Each scene continues directly from the previous one with the same presenter, camera and voice.\n")
	sb.WriteString("Return a JSON array of objects with sceneNumber (starting at 1), visualPrompt and script (the spoken line).")

	return sb.String()
}

// ParseScenePrompts decodes the model output into scene prompts ordered by scene number.
// Markdown code fences around the JSON are tolerated.
func ParseScenePrompts(raw string) ([]models.ScenePrompt, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var prompts []models.ScenePrompt
	if err := json.Unmarshal([]byte(cleaned), &prompts); err != nil {
		return nil, apperrors.NewProviderError(types.ProviderAPIError, 0, "prompt generator returned malformed JSON", err)
	}

	kept := prompts[:0]
	for _, p := range prompts {
		if strings.TrimSpace(p.VisualPrompt) != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil, apperrors.NewProviderError(types.ProviderAPIError, 0, "prompt generator returned no scenes", nil)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].SceneNumber < kept[j].SceneNumber })
	for i := range kept {
		kept[i].SceneNumber = i + 1
	}
	return kept, nil
}
