// Package gemini talks to the Gemini REST API for the two collaborator
// roles of the admission pipeline: judging challenge photos and writing
// ban announcement copy.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"warden-tg-bot/internal/config"
)

// Verdict is the tri-state outcome of a challenge photo evaluation.
type Verdict int

const (
	// VerdictInconclusive means the image could not be judged. The
	// pipeline treats it as a soft failure and lets the user retry.
	VerdictInconclusive Verdict = iota
	VerdictPass
	VerdictFail
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictFail:
		return "fail"
	default:
		return "inconclusive"
	}
}

// Client handles communication with the Gemini API.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg config.GeminiConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// generate performs one generateContent call and returns the first
// candidate's text.
func (c *Client) generate(ctx context.Context, parts []part) (string, error) {
	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: parts}}})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}

// EvaluateImage judges whether the photo shows the requested subject.
// Provider failures never escape as faults: the verdict degrades to
// inconclusive and the error is returned for logging only.
func (c *Client) EvaluateImage(ctx context.Context, image []byte, subject string) (Verdict, error) {
	prompt := fmt.Sprintf(
		"Look at the attached picture and decide whether it clearly shows a %s. "+
			"Answer with exactly one word: true if it does, false if it does not.",
		subject,
	)
	parts := []part{
		{Text: prompt},
		{InlineData: &inlineData{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(image),
		}},
	}

	text, err := c.generate(ctx, parts)
	if err != nil {
		return VerdictInconclusive, fmt.Errorf("evaluate image: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(text)) {
	case "true":
		return VerdictPass, nil
	case "false":
		return VerdictFail, nil
	default:
		c.logger.Warn("unexpected evaluator answer", "answer", truncate(text, 80))
		return VerdictInconclusive, nil
	}
}

// KickLine asks for one short mocking sentence about target being
// removed by actor. The model fills %%KTO%% (actor) and %%KOGO%%
// (target) placeholders so names never get declined or mangled.
func (c *Client) KickLine(ctx context.Context, actor, target string, actorIsBot bool) (string, error) {
	who := "a human administrator"
	if actorIsBot {
		who = "a soulless bot"
	}
	prompt := fmt.Sprintf(
		"Write ONE short sarcastic sentence (under 20 words, a couple of emoji are fine) "+
			"announcing that user %%%%KOGO%%%% was kicked out by %%%%KTO%%%%, who is %s. "+
			"Use the literal placeholders %%%%KTO%%%% and %%%%KOGO%%%% instead of names, "+
			"do not decline them, and reply with the sentence only, no markup.",
		who,
	)

	text, err := c.generate(ctx, []part{{Text: prompt}})
	if err != nil {
		return "", fmt.Errorf("kick line: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("kick line: empty response")
	}

	text = strings.ReplaceAll(text, "%%KTO%%", actor)
	text = strings.ReplaceAll(text, "%%KOGO%%", target)
	return text, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
