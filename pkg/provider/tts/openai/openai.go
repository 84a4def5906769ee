// Package openai provides a TTS provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cachevoice/cachevoice/pkg/provider/tts"
)

const (
	// DefaultModel is the OpenAI speech model used when a request does not
	// name one.
	DefaultModel = "tts-1"

	// DefaultVoice is used when neither the request nor the configuration
	// names a voice.
	DefaultVoice = "alloy"
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI audio speech endpoint.
type Provider struct {
	client       oai.Client
	defaultVoice string
	defaultModel string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	timeout      time.Duration
	defaultVoice string
	defaultModel string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible gateways.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDefaultVoice sets the voice used when a request leaves Voice empty.
func WithDefaultVoice(voice string) Option {
	return func(c *config) { c.defaultVoice = voice }
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) Option {
	return func(c *config) { c.defaultModel = model }
}

// New constructs an OpenAI TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}

	cfg := &config{
		defaultVoice: DefaultVoice,
		defaultModel: DefaultModel,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{
		client:       client,
		defaultVoice: cfg.defaultVoice,
		defaultModel: cfg.defaultModel,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
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

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(format),
	})
	if err != nil {
		var apierr *oai.Error
		if errors.As(err, &apierr) {
			return nil, &tts.StatusError{
				Provider:   "openai",
				StatusCode: apierr.StatusCode,
				Body:       apierr.Message,
			}
		}
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio body: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("openai tts: empty audio response")
	}
	return audio, nil
}
