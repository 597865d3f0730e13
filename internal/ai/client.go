package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nhle/mail-triage/internal/model"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 1024
	apiURL           = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

// EmailContext is the classification input: the header fields and a body
// snippet of one email, plus the folder names the classifier may choose
// between.
type EmailContext struct {
	Subject      string
	FromName     string
	FromAddr     string
	Snippet      string
	Folders      []string
	HasListUnsub bool
}

// ClassifyResult is the structured classification verdict.
type ClassifyResult struct {
	Folder     string          `json:"folder"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	Priority   *model.Priority `json:"priority,omitempty"`
}

// LanguageModel is the narrow port the triage core consumes. Classify
// returns a folder suggestion with a 0-1 confidence; Generate answers a
// free-text prompt (used for short yes/no judgments).
type LanguageModel interface {
	Classify(ctx context.Context, ec EmailContext) (*ClassifyResult, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// Client talks to the Claude Messages API.
type Client struct {
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// New creates a new language model client with the given configuration.
func New(apiKey, modelName string, maxTokens int) *Client {
	if modelName == "" {
		modelName = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		apiKey:    apiKey,
		model:     modelName,
		maxTokens: maxTokens,
		client:    &http.Client{},
	}
}

// Generate sends a single-turn prompt and returns the text of the reply.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, "", prompt)
}

// Classify asks the model to route one email into a folder and parses the
// JSON verdict out of the reply.
func (c *Client) Classify(ctx context.Context, ec EmailContext) (*ClassifyResult, error) {
	text, err := c.complete(ctx, classifySystemPrompt, buildClassifyPrompt(ec))
	if err != nil {
		return nil, fmt.Errorf("classifying email: %w", err)
	}

	result, err := parseClassifyResult(text)
	if err != nil {
		return nil, fmt.Errorf("parsing classification verdict: %w", err)
	}

	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}

	return result, nil
}

const classifySystemPrompt = "You are an email triage assistant. " +
	"Given one email, choose the best destination folder from the provided list. " +
	"Respond with a single JSON object and nothing else: " +
	`{"folder": "...", "confidence": 0.0, "reasoning": "...", "priority": "high|normal|low"}. ` +
	"Confidence is your certainty in the folder choice between 0 and 1."

// buildClassifyPrompt renders the email context into the user prompt.
func buildClassifyPrompt(ec EmailContext) string {
	var sb strings.Builder

	sb.WriteString("Folders: ")
	sb.WriteString(strings.Join(ec.Folders, ", "))
	sb.WriteString("\n\n")

	sb.WriteString("From: ")
	if ec.FromName != "" {
		sb.WriteString(ec.FromName)
		sb.WriteString(" ")
	}
	sb.WriteString("<")
	sb.WriteString(ec.FromAddr)
	sb.WriteString(">\n")

	sb.WriteString("Subject: ")
	sb.WriteString(ec.Subject)
	sb.WriteString("\n")

	if ec.HasListUnsub {
		sb.WriteString("Has-List-Unsubscribe: yes\n")
	}

	if ec.Snippet != "" {
		sb.WriteString("\n")
		sb.WriteString(ec.Snippet)
		sb.WriteString("\n")
	}

	return sb.String()
}

// parseClassifyResult extracts the JSON object from the model reply,
// tolerating surrounding prose or code fences.
func parseClassifyResult(text string) (*ClassifyResult, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply: %q", text)
	}

	var result ClassifyResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("decoding verdict: %w", err)
	}
	if result.Folder == "" {
		return nil, fmt.Errorf("verdict missing folder: %q", text)
	}

	return &result, nil
}

// complete makes a single request to the Claude Messages API and returns
// the concatenated text content of the reply.
func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages: []apiMessage{
			{
				Role:    "user",
				Content: []apiContentBlock{{Type: "text", Text: prompt}},
			},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, apiURL, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling model API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}

	return strings.Join(parts, ""), nil
}

// --- Claude API types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
