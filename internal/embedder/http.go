package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// postEmbeddings calls an OpenAI-compatible /embeddings endpoint. A 5xx
// response whose body mentions memory/CUDA is surfaced as ErrOOM so the
// Service's halve-and-retry policy can engage.
func postEmbeddings(ctx context.Context, client *http.Client, endpoint, model string, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedder: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedder: read response: %w", err)
	}

	if resp.StatusCode >= 500 && looksLikeOOM(raw) {
		return nil, ErrOOM
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedder: unexpected status %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("embedder: decode response: %w", err)
	}
	if parsed.Error != nil {
		if looksLikeOOM([]byte(parsed.Error.Message)) {
			return nil, ErrOOM
		}
		return nil, fmt.Errorf("embedder: backend error: %s", parsed.Error.Message)
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

func looksLikeOOM(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "out of memory") || strings.Contains(s, "cuda") && strings.Contains(s, "memory") || strings.Contains(s, "oom")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
