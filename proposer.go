package sheetfix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FixProposer produces a repair for a formula that no deterministic pattern
// could handle.
type FixProposer interface {
	ProposeFix(ctx context.Context, defect Defect) (*FixResult, error)
}

// ModelProposer asks an OpenAI-compatible chat completions endpoint for a
// repair. Responses are expected to carry a JSON object with the fixed
// formula, an explanation and a confidence, optionally wrapped in a
// markdown code fence.
type ModelProposer struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	logger   *zap.Logger
}

// ModelProposerOption configures a ModelProposer.
type ModelProposerOption func(*ModelProposer)

// WithProposerModel overrides the model name sent with each request.
func WithProposerModel(model string) ModelProposerOption {
	return func(p *ModelProposer) { p.model = model }
}

// WithProposerHTTPClient overrides the HTTP client.
func WithProposerHTTPClient(client *http.Client) ModelProposerOption {
	return func(p *ModelProposer) { p.client = client }
}

// WithProposerLogger sets the proposer's logger.
func WithProposerLogger(logger *zap.Logger) ModelProposerOption {
	return func(p *ModelProposer) { p.logger = logger }
}

// NewModelProposer constructs a proposer for the given endpoint and key.
func NewModelProposer(endpoint, apiKey string, opts ...ModelProposerOption) *ModelProposer {
	p := &ModelProposer{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		model:    "gpt-4o-mini",
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// proposedFix is the JSON shape the model is asked to return.
type proposedFix struct {
	FixedFormula string  `json:"fixed_formula"`
	Explanation  string  `json:"explanation"`
	Confidence   float64 `json:"confidence"`
}

const proposerSystemPrompt = `You are an Excel formula repair assistant. ` +
	`Given a broken formula and its error code, respond with a JSON object ` +
	`containing "fixed_formula" (the corrected formula starting with =), ` +
	`"explanation" (one sentence), and "confidence" (0.0 to 1.0). ` +
	`Respond with the JSON object only.`

// ProposeFix sends the defect to the model and parses its repair. The
// returned result's TestPassed reflects the syntax validation of the
// proposed formula.
func (p *ModelProposer) ProposeFix(ctx context.Context, defect Defect) (*FixResult, error) {
	requestID := uuid.New().String()
	prompt := fmt.Sprintf("Cell %s shows %s.\nFormula: %s\nDescription: %s",
		defect.Location(), defect.Code, defect.Formula, defect.Description)

	payload, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: proposerSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("X-Request-ID", requestID)

	p.logger.Debug("requesting model fix",
		zap.String("request_id", requestID),
		zap.String("cell", defect.Location()),
		zap.String("code", defect.Code))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model returned status %d: %s", resp.StatusCode, body)
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	var fix proposedFix
	if err := json.Unmarshal([]byte(extractJSON(chat.Choices[0].Message.Content)), &fix); err != nil {
		return nil, fmt.Errorf("parse proposed fix: %w", err)
	}
	if fix.FixedFormula == "" {
		return nil, fmt.Errorf("model returned no formula")
	}

	return &FixResult{
		Original:    defect.Formula,
		Fixed:       fix.FixedFormula,
		FixType:     "ai_formula_fix",
		Confidence:  fix.Confidence,
		Explanation: fix.Explanation,
		TestPassed:  validateFormulaSyntax(fix.FixedFormula) == nil,
	}, nil
}

// extractJSON strips a markdown code fence from model output, returning the
// inner JSON text. Content without a fence passes through unchanged.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	if i := strings.LastIndex(content, "```"); i >= 0 {
		content = content[:i]
	}
	return strings.TrimSpace(content)
}
