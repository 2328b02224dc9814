package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"wakelingo/internal/domain"
	"wakelingo/internal/ports"
)

// ErrMissingAPIKey is returned when no Deepgram key is configured.
var ErrMissingAPIKey = errors.New("DEEPGRAM_API_KEY is not configured")

const (
	defaultBaseURL   = "https://api.deepgram.com/v1"
	defaultModel     = "nova-2"
	defaultKeepAlive = 4 * time.Second
	keywordBoost     = 2
)

// Config controls Deepgram websocket settings. KeepAlive is how long the
// stream may go without audio before a KeepAlive message is sent; Deepgram
// drops sockets that stay silent for about ten seconds.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	SmartFormat bool
	KeepAlive   time.Duration
}

// Provider opens live recognition streams. It implements
// ports.TranscriptionProvider.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.SugaredLogger
}

func NewProvider(cfg Config, logger *zap.SugaredLogger) *Provider {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Provider{cfg: cfg, dialer: websocket.DefaultDialer, logger: logger}
}

// StartStreaming dials a live recognition stream. The stream stays open until
// Close, CloseSend followed by the server's final results, or ctx cancellation.
func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	listenURL, err := buildListenURL(p.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, listenURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial recognizer: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial recognizer: %w", err)
	}

	logger := p.logger.With("language", cfg.Language, "model", p.cfg.Model)
	logger.Debugw("recognizer stream opened")
	return startSession(ctx, conn, p.cfg.KeepAlive, logger), nil
}

func buildListenURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := strings.TrimSpace(providerCfg.APIBaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	listenURL, err := url.Parse(strings.TrimRight(base, "/") + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	encoding := lo.Ternary(streamCfg.Encoding == "", "linear16", streamCfg.Encoding)
	sampleRate := lo.Ternary(streamCfg.SampleRate > 0, streamCfg.SampleRate, 16000)
	channels := lo.Ternary(streamCfg.Channels > 0, streamCfg.Channels, 1)

	query := url.Values{}
	query.Set("model", lo.Ternary(providerCfg.Model == "", defaultModel, providerCfg.Model))
	query.Set("encoding", encoding)
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	query.Set("channels", strconv.Itoa(channels))
	query.Set("interim_results", strconv.FormatBool(streamCfg.InterimResults))
	query.Set("smart_format", strconv.FormatBool(providerCfg.SmartFormat))
	if streamCfg.Language != "" {
		query.Set("language", streamCfg.Language)
	}
	for _, keyword := range keywords(streamCfg.Keywords) {
		query.Add("keywords", fmt.Sprintf("%s:%d", keyword, keywordBoost))
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

// keywords splits phrases into distinct words; Deepgram boosts single words.
func keywords(phrases []string) []string {
	words := lo.FlatMap(phrases, func(phrase string, _ int) []string {
		return strings.Fields(phrase)
	})
	return lo.Uniq(words)
}

// response is the subset of a Deepgram live message the listener needs.
type response struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r response) transcript() string {
	if len(r.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
}

// event converts a results message. ok is false for messages without text.
func (r response) event() (domain.TranscriptEvent, bool) {
	text := r.transcript()
	if text == "" {
		return domain.TranscriptEvent{}, false
	}
	kind := domain.TranscriptKindPartial
	if r.IsFinal || r.SpeechFinal {
		kind = domain.TranscriptKindFinal
	}
	return domain.TranscriptEvent{Kind: kind, Text: text, IsSpeechFinal: r.SpeechFinal}, true
}

// failure returns the provider error carried by an Error message.
func (r response) failure() error {
	if !strings.EqualFold(r.Type, "Error") {
		return nil
	}
	for _, text := range []string{r.Message, r.Description} {
		if text = strings.TrimSpace(text); text != "" {
			return errors.New(text)
		}
	}
	return errors.New("deepgram returned an unknown error")
}
