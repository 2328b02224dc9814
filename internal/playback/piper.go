package playback

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

// defaultVoices maps base language codes to Piper voice models.
var defaultVoices = map[string]string{
	"da": "da_DK-talesyntese-medium",
	"de": "de_DE-thorsten-medium",
	"en": "en_US-lessac-medium",
	"es": "es_ES-mls_10246-low",
	"fr": "fr_FR-siwis-medium",
	"it": "it_IT-riccardo-x_low",
	"nl": "nl_NL-mls-medium",
	"no": "no_NO-talesyntese-medium",
	"pl": "pl_PL-darkman-medium",
	"pt": "pt_BR-faber-medium",
	"sv": "sv_SE-nst-medium",
}

const synthesisTimeout = 30 * time.Second

// PiperSynthesizer speaks to a Piper server over the Wyoming TCP protocol.
type PiperSynthesizer struct {
	endpoint string
	voices   map[string]string
	dialer   net.Dialer
	logger   *zap.SugaredLogger
}

func NewPiperSynthesizer(endpoint string, voices map[string]string, logger *zap.SugaredLogger) *PiperSynthesizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(endpoint), "tcp://"), "http://")
	return &PiperSynthesizer{
		endpoint: endpoint,
		voices:   lo.Assign(defaultVoices, voices),
		dialer:   net.Dialer{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Voice returns the configured voice for a BCP 47 tag, falling back to English.
func (s *PiperSynthesizer) Voice(tag string) string {
	base := "en"
	if parsed, err := language.Parse(tag); err == nil {
		b, _ := parsed.Base()
		base = b.String()
	}
	if voice, ok := s.voices[base]; ok {
		return voice
	}
	return s.voices["en"]
}

// Synthesize returns text rendered as a WAV file.
func (s *PiperSynthesizer) Synthesize(ctx context.Context, text string, tag string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("nothing to synthesize")
	}
	if s.endpoint == "" {
		return nil, errors.New("piper endpoint is not configured")
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to piper: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(synthesisTimeout)
	}
	_ = conn.SetDeadline(deadline)

	voice := s.Voice(tag)
	request := wyomingEvent{
		Type: "synthesize",
		Data: map[string]any{"text": text, "voice": map[string]any{"name": voice}},
	}
	if err := writeEvent(conn, request, nil); err != nil {
		return nil, fmt.Errorf("send synthesize request: %w", err)
	}

	var (
		pcm        bytes.Buffer
		sampleRate = 22050
		channels   = 1
		width      = 2
		reader     = bufio.NewReader(conn)
	)
	for {
		event, payload, err := readEvent(reader)
		if err != nil {
			return nil, fmt.Errorf("piper stream: %w", err)
		}

		switch event.Type {
		case "audio-start":
			sampleRate = intField(event.Data, "rate", sampleRate)
			channels = intField(event.Data, "channels", channels)
			width = intField(event.Data, "width", width)
		case "audio-chunk":
			pcm.Write(payload)
		case "audio-stop":
			s.logger.Debugw("piper synthesis complete", "voice", voice, "pcm_bytes", pcm.Len(), "rate", sampleRate)
			return wavFile(pcm.Bytes(), sampleRate, channels, width), nil
		case "error":
			message, _ := event.Data["text"].(string)
			if message == "" {
				message = "unknown error"
			}
			return nil, fmt.Errorf("piper error: %s", message)
		}
	}
}
