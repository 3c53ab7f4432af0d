package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiReasoner implements TimeReasoner using Google's Gemini models.
type GeminiReasoner struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiReasoner initializes a new Gemini client.
// apiKey should be provided from environment variables.
func NewGeminiReasoner(ctx context.Context, apiKey string) (*GeminiReasoner, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	// Use Gemini 2.0 Flash for low latency and cost efficiency.
	model := client.GenerativeModel("gemini-2.0-flash")

	// Force JSON response for structured parsing.
	model.ResponseMIMEType = "application/json"

	// Compatibility should be repeatable for the same pair.
	model.SetTemperature(0.1)

	return &GeminiReasoner{
		client: client,
		model:  model,
	}, nil
}

// Close cleans up the Gemini client resources.
func (p *GeminiReasoner) Close() {
	p.client.Close()
}

func (p *GeminiReasoner) CompareTimes(ctx context.Context, timeA, timeB string, now time.Time) (*TimeVerdict, error) {
	resp, err := p.model.GenerateContent(ctx, genai.Text(buildTimePrompt(timeA, timeB, now)))
	if err != nil {
		return nil, fmt.Errorf("gemini generation error: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no response candidates from Gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}
	return ParseVerdict(responseText.String())
}

func buildTimePrompt(timeA, timeB string, now time.Time) string {
	return fmt.Sprintf(`Role: You decide whether two people ordering food from the same restaurant to the same place can share one delivery.
Current local time: %s

Person A wants delivery: "%s"
Person B wants delivery: "%s"

SCORING:
- 1.0: both immediate ("now", "asap", "soon", "immediately") or the same clock time.
- 0.9-1.0: clock times within 15 minutes of each other.
- 0.7-0.9: a meal window ("breakfast" 7:00-10:30, "lunch" 11:30-13:30, "dinner" 17:30-20:30) and a clock time inside it.
- 0.8: the same meal window named by both.
- 0.5-0.7: within about an hour; one person would have to wait.
- 0.0-0.4: more than an hour apart, different meals, or you cannot tell.

RULES:
- A range ("between 1:40pm and 2:00pm") means its midpoint, not its start.
- "optimal_time" must be a short time expression: "now", a meal name, or a clock time like "1:30pm".
- Set "is_compatible" to true only when score >= 0.5.

Output JSON:
{
  "is_compatible": boolean,
  "score": number between 0 and 1,
  "optimal_time": "string",
  "reasoning": "one short sentence"
}
`, now.Format("Mon 2006-01-02 3:04pm MST"), timeA, timeB)
}
