package deepgram

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wakelingo/internal/domain"
	"wakelingo/internal/ports"
)

func TestNewProviderDefaults(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{}, nil)
	if p.cfg.APIBaseURL != "https://api.deepgram.com/v1" {
		t.Fatalf("unexpected base url: %q", p.cfg.APIBaseURL)
	}
	if p.cfg.Model != "nova-2" {
		t.Fatalf("unexpected model: %q", p.cfg.Model)
	}
	if p.cfg.KeepAlive != 4*time.Second {
		t.Fatalf("unexpected keepalive: %v", p.cfg.KeepAlive)
	}
}

func TestProviderStartStreamingRequiresAPIKey(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{APIKey: " "}, nil)
	_, err := p.StartStreaming(context.Background(), ports.StreamingConfig{})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestProviderStartStreamingReportsRejectedDial(t *testing.T) {
	t.Parallel()

	server := newRecognizerServer(t, func(*websocket.Conn) {})
	p := NewProvider(Config{APIKey: "wrong", APIBaseURL: server.URL}, nil)
	_, err := p.StartStreaming(context.Background(), ports.StreamingConfig{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected unauthorized dial error, got %v", err)
	}
}

func TestBuildListenURLDefaults(t *testing.T) {
	t.Parallel()

	raw, err := buildListenURL(Config{APIBaseURL: "https://api.deepgram.com/v1"}, ports.StreamingConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(raw, "wss://api.deepgram.com/v1/listen?") {
		t.Fatalf("unexpected url: %s", raw)
	}
	query := parseQuery(t, raw)
	want := map[string]string{
		"model":           "nova-2",
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"channels":        "1",
		"interim_results": "false",
	}
	for key, value := range want {
		if got := query.Get(key); got != value {
			t.Fatalf("expected %s=%s, got %q", key, value, got)
		}
	}
	if query.Has("language") || query.Has("keywords") {
		t.Fatalf("expected no language or keywords: %s", raw)
	}
}

func TestBuildListenURLWithLanguageAndKeywords(t *testing.T) {
	t.Parallel()

	raw, err := buildListenURL(
		Config{APIBaseURL: "http://localhost:8080/v1/", Model: "m", SmartFormat: true},
		ports.StreamingConfig{
			Encoding:       "linear16",
			SampleRate:     8000,
			Channels:       2,
			Language:       "da-DK",
			InterimResults: true,
			Keywords:       []string{"YourCompanyName", "Oversæt", "YourCompanyName"},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(raw, "ws://localhost:8080/v1/listen?") {
		t.Fatalf("unexpected url: %s", raw)
	}
	query := parseQuery(t, raw)
	if query.Get("language") != "da-DK" || query.Get("interim_results") != "true" || query.Get("smart_format") != "true" {
		t.Fatalf("unexpected query: %v", query)
	}
	if got := query["keywords"]; len(got) != 2 || got[0] != "YourCompanyName:2" || got[1] != "Oversæt:2" {
		t.Fatalf("unexpected keywords: %v", got)
	}
}

func TestBuildListenURLInvalidBase(t *testing.T) {
	t.Parallel()

	if _, err := buildListenURL(Config{APIBaseURL: ":// bad"}, ports.StreamingConfig{}); err == nil {
		t.Fatalf("expected invalid base url error")
	}
}

func TestKeywordsSplitsPhrases(t *testing.T) {
	t.Parallel()

	got := keywords([]string{"ok Acme", " Acme  Labs ", ""})
	want := []string{"ok", "Acme", "Labs"}
	if len(got) != len(want) {
		t.Fatalf("unexpected keywords: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected keywords: %v", got)
		}
	}
}

func TestResponseEvent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload response
		want    domain.TranscriptEvent
		ok      bool
	}{
		{name: "empty", payload: response{}},
		{name: "partial", payload: withTranscript(response{}, " ok yourcompanyname "), want: domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "ok yourcompanyname"}, ok: true},
		{name: "final", payload: withTranscript(response{IsFinal: true}, "hej"), want: domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "hej"}, ok: true},
		{name: "speech final", payload: withTranscript(response{SpeechFinal: true}, "hej"), want: domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "hej", IsSpeechFinal: true}, ok: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := tc.payload.event()
			if ok != tc.ok || got != tc.want {
				t.Fatalf("unexpected event: %+v ok=%v", got, ok)
			}
		})
	}
}

func TestResponseFailure(t *testing.T) {
	t.Parallel()

	if err := (response{Type: "Results"}).failure(); err != nil {
		t.Fatalf("expected no failure, got %v", err)
	}
	if err := (response{Type: "Error", Description: "bad language"}).failure(); err == nil || err.Error() != "bad language" {
		t.Fatalf("expected description fallback, got %v", err)
	}
	if err := (response{Type: "error"}).failure(); err == nil {
		t.Fatalf("expected generic failure")
	}
}

func withTranscript(r response, text string) response {
	r.Channel.Alternatives = append(r.Channel.Alternatives, struct {
		Transcript string `json:"transcript"`
	}{Transcript: text})
	return r
}

func parseQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return parsed.Query()
}
