package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeck/daemon/internal/apperr"
)

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint. It is the
// only Embedder implementation the daemon ships: with no API key configured,
// callers skip constructing one and the indexer runs full-text only.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPEmbedder returns an Embedder backed by baseURL (default
// https://api.openai.com/v1 when empty). apiKey is sent as a bearer token.
func NewHTTPEmbedder(baseURL, apiKey, model string) *HTTPEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &HTTPEmbedder{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed posts text to the embeddings endpoint and returns the first (and
// only) resulting vector.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "marshal embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "embedding request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "read embedding response", err)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "decode embedding response", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("embedding endpoint returned %d", resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return nil, apperr.New(apperr.Transient, msg)
	}
	if len(parsed.Data) == 0 {
		return nil, apperr.New(apperr.Transient, "embedding response carried no data")
	}
	return parsed.Data[0].Embedding, nil
}
