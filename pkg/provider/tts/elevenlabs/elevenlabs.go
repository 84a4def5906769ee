// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider
// interface by opening a stream-input socket per request, sending the full
// text, and buffering the audio chunks into a single byte slice.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/cachevoice/cachevoice/pkg/provider/tts"
)

const (
	wsEndpointFmt = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"

	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"
	defaultTimeout   = 15 * time.Second
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128").
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithTimeout caps the total duration of one Synthesize call. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithDefaultVoice sets the voice used when a request leaves Voice empty.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.defaultVoice = voice }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	timeout      time.Duration
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		timeout:      defaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is the initial "begin of input" handshake payload.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// textMessage is the JSON payload sent for the text body and the final flush.
type textMessage struct {
	Text string `json:"text"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio chunk
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Synthesize implements tts.Provider. It opens a stream-input WebSocket,
// sends the complete text followed by a flush, and drains audio chunks until
// the final frame or the connection closes.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.defaultVoice
	}
	if voice == "" {
		return nil, errors.New("elevenlabs: voice must not be empty")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	wsURL := fmt.Sprintf(wsEndpointFmt, voice, model, p.outputFormat)
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, &tts.StatusError{
				Provider:   "elevenlabs",
				StatusCode: resp.StatusCode,
				Body:       resp.Status,
			}
		}
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// BOI handshake. ElevenLabs requires a non-empty first text value.
	boi := boiMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey: p.apiKey,
	}
	if err := writeJSON(ctx, conn, boi); err != nil {
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	if err := writeJSON(ctx, conn, textMessage{Text: req.Text + " "}); err != nil {
		return nil, fmt.Errorf("elevenlabs: send text: %w", err)
	}
	// An empty text message flushes the stream and ends input.
	if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		return nil, fmt.Errorf("elevenlabs: send flush: %w", err)
	}

	var buf bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// A normal closure after audio has arrived means the stream is done.
			if buf.Len() > 0 && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return buf.Bytes(), nil
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("elevenlabs: synthesis timed out: %w", ctx.Err())
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}

		var frame audioResponse
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				continue
			}
			buf.Write(chunk)
		}
		if frame.IsFinal {
			if buf.Len() == 0 {
				return nil, fmt.Errorf("elevenlabs: empty audio response: %s", frame.Message)
			}
			return buf.Bytes(), nil
		}
	}
}

// writeJSON marshals v and writes it as a text frame.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
