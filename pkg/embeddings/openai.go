package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultOpenAIURL  = "https://api.openai.com/v1/embeddings"
	defaultModel      = "text-embedding-3-small"
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// OpenAIClient talks to an OpenAI-compatible embeddings endpoint. Rate limits
// and 5xx responses are retried with exponential backoff. The first
// successful response pins the vector dimensionality for the client's
// lifetime: the store requires it to stay constant within a process, so a
// provider that changes dimension mid-flight surfaces as an error here
// instead of poisoning the vector index.
type OpenAIClient struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client

	mu  sync.Mutex
	dim int
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client with the default endpoint, model, and
// retry policy.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		APIKey:     apiKey,
		Model:      defaultModel,
		BaseURL:    defaultOpenAIURL,
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
		HTTPClient: http.DefaultClient,
	}
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data  []embedDatum `json:"data"`
	Error *apiError    `json:"error,omitempty"`
}

type embedDatum struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// apiError is the provider's error envelope. It doubles as the returned error
// value so the retry loop can inspect the HTTP status.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`

	status int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("embeddings API error (%d): %s", e.status, e.Message)
}

// retryable reports whether another attempt could plausibly succeed.
func (e *apiError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

// Embed generates one vector per input text, in input order.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embedRequest{Input: texts, Model: c.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	var vectors [][]float32
	for attempt := 1; ; attempt++ {
		vectors, err = c.requestOnce(ctx, payload, len(texts))
		if err == nil {
			break
		}
		var apiErr *apiError
		if attempt >= c.maxRetries() || !errors.As(err, &apiErr) || !apiErr.retryable() {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay() << (attempt - 1)):
		}
	}

	if err := c.pinDimension(vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

// EmbedOne generates an embedding for a single text.
func (c *OpenAIClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension returns the pinned vector size, or 0 before the first successful
// call.
func (c *OpenAIClient) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

func (c *OpenAIClient) requestOnce(ctx context.Context, payload []byte, want int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embeddings response: %w", err)
	}

	var parsed embedResponse
	decodeErr := json.Unmarshal(body, &parsed)
	if resp.StatusCode != http.StatusOK {
		apiErr := parsed.Error
		if apiErr == nil {
			apiErr = &apiError{Message: strings.TrimSpace(string(body))}
		}
		apiErr.status = resp.StatusCode
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", decodeErr)
	}
	if parsed.Error != nil {
		parsed.Error.status = resp.StatusCode
		return nil, parsed.Error
	}

	// The provider may reorder results; indexes map them back to inputs.
	vectors := make([][]float32, want)
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= want {
			return nil, fmt.Errorf("embedding index %d out of range for %d inputs", d.Index, want)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("provider returned no embedding for input %d", i)
		}
	}
	return vectors, nil
}

// pinDimension enforces the process-lifetime dimension contract.
func (c *OpenAIClient) pinDimension(vectors [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range vectors {
		if c.dim == 0 {
			c.dim = len(v)
			continue
		}
		if len(v) != c.dim {
			return fmt.Errorf("embedding dimension changed from %d to %d; restart with a consistent model", c.dim, len(v))
		}
	}
	return nil
}

func (c *OpenAIClient) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return defaultMaxRetries
}

func (c *OpenAIClient) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return defaultRetryDelay
}
