package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	EnvEndpoint   = "AZURE_OPENAI_ENDPOINT"
	EnvAPIKey     = "AZURE_OPENAI_API_KEY"
	EnvAPIVersion = "AZURE_OPENAI_API_VERSION"
	EnvDeployment = "AZURE_OPENAI_DEPLOYMENT_NAME"

	DefaultAPIVersion = "2024-12-01-preview"
)

// ErrNotConfigured is returned when no language model endpoint is configured.
var ErrNotConfigured = errors.New("language model is not configured")

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient completes a conversation and returns the assistant content.
type ChatClient interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// ClientConfig locates an Azure OpenAI chat deployment.
type ClientConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Deployment string
	Timeout    time.Duration
}

// ClientConfigFromEnv reads the AZURE_OPENAI_* variables.
func ClientConfigFromEnv() ClientConfig {
	version := os.Getenv(EnvAPIVersion)
	if version == "" {
		version = DefaultAPIVersion
	}
	return ClientConfig{
		Endpoint:   os.Getenv(EnvEndpoint),
		APIKey:     os.Getenv(EnvAPIKey),
		APIVersion: version,
		Deployment: os.Getenv(EnvDeployment),
	}
}

// Configured reports whether the endpoint, key and deployment are all set.
func (c ClientConfig) Configured() bool {
	return c.Endpoint != "" && c.APIKey != "" && c.Deployment != ""
}

// AzureClient performs chat completions against an Azure OpenAI deployment.
type AzureClient struct {
	httpClient *http.Client
	url        string
	apiKey     string
}

var _ ChatClient = (*AzureClient)(nil)

// NewAzureClient creates a client, failing with ErrNotConfigured on an incomplete config.
func NewAzureClient(cfg ClientConfig) (*AzureClient, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		endpoint, url.PathEscape(cfg.Deployment), url.QueryEscape(cfg.APIVersion))

	return &AzureClient{
		httpClient: &http.Client{Timeout: timeout},
		url:        u,
		apiKey:     cfg.APIKey,
	}, nil
}

type chatRequest struct {
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs one non-streaming chat completion.
func (c *AzureClient) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read chat completion response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var apiErr errorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("chat completion failed with status %d: %s", httpResp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("chat completion failed with status %d", httpResp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse chat completion response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}
