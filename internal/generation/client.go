package generation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/domain"
)

const (
	maxResponseBytes = 8 << 20
	maxErrorSnippet  = 200
)

// Client talks to the external generation service.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: config.RequestTimeout},
	}
}

type HistoryItem struct {
	Role     string `json:"role"`
	Text     string `json:"text"`
	ImageRef string `json:"imageRef,omitempty"`
}

// CreativeContext carries the active overrides of a turn.
type CreativeContext struct {
	Subject  string `json:"subject,omitempty"`
	FreeForm bool   `json:"freeForm,omitempty"`
}

type ChatRequest struct {
	History         []HistoryItem    `json:"history"`
	NewText         string           `json:"newText"`
	CreativeContext *CreativeContext `json:"creativeContext,omitempty"`
	RecentImageRef  string           `json:"recentImageRef,omitempty"`
}

type GenerationMeta struct {
	Total       int    `json:"total"`
	AspectRatio string `json:"aspectRatio,omitempty"`
	StyleName   string `json:"styleName,omitempty"`
	ModelTier   string `json:"modelTier,omitempty"`
}

// ChatResponse holds at most one of Image, JobID or JobIDs when generation
// was triggered. CampaignID is set when the turn started a bulk campaign.
type ChatResponse struct {
	Text           string          `json:"text"`
	Image          string          `json:"image,omitempty"`
	JobID          string          `json:"jobId,omitempty"`
	JobIDs         []string        `json:"jobIds,omitempty"`
	CampaignID     string          `json:"campaignId,omitempty"`
	GenerationMeta *GenerationMeta `json:"generationMeta,omitempty"`
}

// Jobs returns every job id carried by the response.
func (r *ChatResponse) Jobs() []string {
	if len(r.JobIDs) > 0 {
		return r.JobIDs
	}
	if r.JobID != "" {
		return []string{r.JobID}
	}
	return nil
}

type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

type Asset struct {
	Content string `json:"content"`
}

type JobStatus struct {
	Status JobState `json:"status"`
	Asset  *Asset   `json:"asset,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// AssetURL returns the produced asset, or "" when none is present.
func (s *JobStatus) AssetURL() string {
	if s.Asset == nil {
		return ""
	}
	return s.Asset.Content
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	switch e.Code {
	case http.StatusTooManyRequests:
		return "rate limited by generation service (429)"
	case http.StatusServiceUnavailable:
		return "generation service unavailable (503)"
	}
	return fmt.Sprintf("generation service returned %d: %s", e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(data), maxErrorSnippet)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// Chat runs one conversational turn.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobStatus fetches the state of one generation job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.do(ctx, http.MethodGet, "/job/"+url.PathEscape(jobID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CampaignStatus fetches the aggregate progress of a bulk campaign.
func (c *Client) CampaignStatus(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	var campaign domain.Campaign
	if err := c.do(ctx, http.MethodGet, "/campaign/"+url.PathEscape(campaignID)+"/status", nil, &campaign); err != nil {
		return nil, err
	}
	campaign.ID = campaignID
	return &campaign, nil
}

// GenerateTitle asks the service for a short title summarizing window.
func (c *Client) GenerateTitle(ctx context.Context, window []string) (string, error) {
	var resp struct {
		Title string `json:"title"`
	}
	if err := c.do(ctx, http.MethodPost, "/title", map[string]interface{}{"messages": window}, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Title), nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
