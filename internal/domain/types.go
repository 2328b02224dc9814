package domain

import "time"

// Phase models the wake-phrase session lifecycle.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseListeningForWake Phase = "listening-for-wake"
	PhaseRecording        Phase = "recording"
)

// ConnectionState is the backend channel state.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClosed     ConnectionState = "closed"
)

// TriggerKind identifies which phrase a listener scans for.
type TriggerKind string

const (
	TriggerBegin TriggerKind = "begin"
	TriggerEnd   TriggerKind = "end"
)

// TranscriptKind identifies whether a stream event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent represents incremental transcription output from a provider.
type TranscriptEvent struct {
	Kind          TranscriptKind `json:"kind"`
	Text          string         `json:"text"`
	IsSpeechFinal bool           `json:"isSpeechFinal"`
}

// Message is one side of an utterance pair.
type Message struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// UtterancePair is one original/translated record produced by a backend result.
type UtterancePair struct {
	Original    string    `json:"original"`
	Translation string    `json:"translation"`
	Timestamp   time.Time `json:"timestamp"`
}

// TranslationResult is a decoded inbound channel payload.
type TranslationResult struct {
	Original    string `json:"original"`
	Translation string `json:"translation"`
	Error       string `json:"error"`
}

// HasPair reports whether the result carries both sides of an utterance.
func (r TranslationResult) HasPair() bool {
	return r.Original != "" && r.Translation != ""
}

// History holds the two parallel utterance sequences.
type History struct {
	Transcriptions []Message `json:"transcriptions"`
	Translations   []Message `json:"translations"`
}

// Status summarizes the session for the presentation layer.
type Status struct {
	Phase           Phase           `json:"phase"`
	Listening       bool            `json:"isListening"`
	Recording       bool            `json:"isRecording"`
	Connection      ConnectionState `json:"connection"`
	Connected       bool            `json:"connected"`
	ErrorCode       ErrorCode       `json:"errorCode,omitempty"`
	Error           string          `json:"error,omitempty"`
	PrimaryLanguage string          `json:"primaryLanguage"`
	TargetLanguage  string          `json:"targetLanguage"`
	CanReplay       bool            `json:"canReplay"`
}
