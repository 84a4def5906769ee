// Package minimax provides a TTS provider for MiniMax-hosted,
// OpenAI-compatible speech endpoints (POST {base_url}/audio/speech).
//
// Gateways such as GateAI front MiniMax voices behind the OpenAI audio API
// shape, so the provider speaks plain JSON-over-HTTP rather than the native
// MiniMax t2a protocol.
package minimax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cachevoice/cachevoice/pkg/provider/tts"
)

const (
	defaultTimeout = 15 * time.Second

	// maxErrBody caps how much of an upstream error body is kept for logs.
	maxErrBody = 512
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithDefaultVoice sets the voice used when a request leaves Voice empty.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.defaultVoice = voice }
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) Option {
	return func(p *Provider) { p.defaultModel = model }
}

// Provider implements tts.Provider against an OpenAI-compatible speech
// endpoint. It is safe for concurrent use.
type Provider struct {
	baseURL      string
	apiKey       string
	defaultVoice string
	defaultModel string
	httpClient   *http.Client
}

// New constructs a Provider targeting baseURL (e.g.
// "https://api.gateai.example/v1"). apiKey must be non-empty; baseURL may be
// empty, in which case every Synthesize call fails with
// [tts.ErrNoDeployment] and the fallback chain moves on.
func New(baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("minimax tts: apiKey must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speechRequest is the JSON body of the OpenAI-compatible speech call.
type speechRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	Model          string `json:"model"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if p.baseURL == "" {
		return nil, tts.ErrNoDeployment
	}

	voice := req.Voice
	if voice == "" {
		voice = p.defaultVoice
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	format := req.Format
	if format == "" {
		format = "mp3"
	}

	body, err := json.Marshal(speechRequest{
		Input:          req.Text,
		Voice:          voice,
		Model:          model,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, fmt.Errorf("minimax tts: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("minimax tts: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("minimax tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &tts.StatusError{
			Provider:   "minimax",
			StatusCode: resp.StatusCode,
			Body:       string(msg),
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("minimax tts: read audio body: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("minimax tts: empty audio response")
	}
	return audio, nil
}
