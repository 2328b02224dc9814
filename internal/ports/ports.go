package ports

import (
	"context"
	"io"

	"wakelingo/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// AudioSubscription receives PCM frames until it is closed.
type AudioSubscription interface {
	Frames() <-chan []byte
	Close()
}

// AudioSource is the capture handle subordinate components attach to.
type AudioSource interface {
	Subscribe(name string) (AudioSubscription, error)
}

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	Language       string
	InterimResults bool
	// Keywords are words the recognizer should favor, such as the app name
	// inside a trigger phrase.
	Keywords []string
}

// StreamingSession is an active provider websocket session.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming transcription sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// RulesEngine transforms transcripts using deterministic rules.
type RulesEngine interface {
	Apply(text string) (string, error)
}

// TriggerRequest arms a listener for one phrase.
type TriggerRequest struct {
	Language string
	Kind     domain.TriggerKind
}

// TriggerHandlers receive listener callbacks. Both may be invoked from any goroutine.
type TriggerHandlers struct {
	OnTrigger func(kind domain.TriggerKind)
	OnPartial func(text string)
	OnError   func(err error)
}

// TriggerListener scans live speech for a trigger phrase.
type TriggerListener interface {
	Start(ctx context.Context, source AudioSource, req TriggerRequest, handlers TriggerHandlers) error
	Stop()
}

// Recorder turns captured audio into encoded chunks while armed.
type Recorder interface {
	Arm(source AudioSource, onChunk func(chunk []byte)) error
	Disarm()
}

// ChannelHandlers receive transport callbacks in arrival order.
type ChannelHandlers struct {
	OnState   func(state domain.ConnectionState)
	OnMessage func(result domain.TranslationResult)
	OnError   func(err error)
}

// Channel is the persistent connection to the translation backend.
type Channel interface {
	Connect(ctx context.Context, handlers ChannelHandlers) error
	Send(payload []byte) bool
	State() domain.ConnectionState
	Close() error
}

// Speaker plays translated text aloud. Speak never blocks on synthesis.
type Speaker interface {
	Speak(text string, language string)
}

// EventSink emits session state and events to the UI.
type EventSink interface {
	StatusChanged(status domain.Status)
	ConnectionChanged(state domain.ConnectionState)
	UtteranceAdded(pair domain.UtterancePair)
	PartialTranscript(text string)
	SessionError(code domain.ErrorCode, detail string)
}
