package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient is an Embedder backed by an OpenAI-compatible embeddings
// endpoint (OpenAI itself, or a local server such as Ollama's OpenAI
// shim, selected by BaseURL). It implements PrefixedModel so query and
// document text are prefixed before being sent, per the model's contract.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	dims           int
	queryPrefix    string
	documentPrefix string
	timeout        time.Duration
}

// NewOpenAIClient builds a client against baseURL (empty selects the
// public OpenAI API) using apiKey and model, expecting dims-wide vectors.
func NewOpenAIClient(baseURL, apiKey, model string, dims int) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		model:          model,
		dims:           dims,
		queryPrefix:    "search_query: ",
		documentPrefix: "search_document: ",
		timeout:        30 * time.Second,
	}
}

func (o *OpenAIClient) QueryPrefix() string    { return o.queryPrefix }
func (o *OpenAIClient) DocumentPrefix() string { return o.documentPrefix }
func (o *OpenAIClient) ModelName() string      { return o.model }

// Embed prepends kind's prefix to text (via Prefix), sends it to the
// embeddings endpoint, and returns the resulting vector. text is expected
// to be raw: a caller that has already prefixed it gets the prefix twice.
func (o *OpenAIClient) Embed(ctx context.Context, text string, kind Kind) (Result, error) {
	if text == "" {
		return Result{}, errors.New("text cannot be empty")
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateEmbeddings(timeoutCtx, openai.EmbeddingRequest{
		Input: []string{Prefix(o, text, kind)},
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return Result{}, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return Result{}, errors.New("no embeddings returned")
	}

	vec := Vector(resp.Data[0].Embedding)
	return Result{Vector: vec, Dims: len(vec), Model: o.model, Cached: false}, nil
}

// CheckConnection issues a minimal embed call to confirm the endpoint is
// reachable and the model is serving requests.
func (o *OpenAIClient) CheckConnection(ctx context.Context) (bool, error) {
	_, err := o.Embed(ctx, "connection check", KindQuery)
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnsureModel is best-effort: the OpenAI-compatible API has no model-pull
// endpoint, so this reports success whenever the model already answers.
func (o *OpenAIClient) EnsureModel(ctx context.Context) (bool, error) {
	return o.CheckConnection(ctx)
}
