package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/samber/lo"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"wakelingo/internal/bootstrap"
	"wakelingo/internal/config"
	"wakelingo/internal/domain"
	"wakelingo/internal/trigger"
	"wakelingo/internal/usecase"
)

const (
	eventStatus     = "wakelingo:status"
	eventUtterance  = "wakelingo:utterance"
	eventPartial    = "wakelingo:partial"
	eventError      = "wakelingo:error"
	eventConnection = "wakelingo:connection"

	partialInterval = 150 * time.Millisecond
)

type emitFunc func(ctx context.Context, name string, data ...interface{})

// App is the Wails application root.
type App struct {
	ctx        context.Context
	configPath string
	emit       emitFunc

	services    bootstrap.Services
	coordinator *usecase.Coordinator
	cfg         config.Config
	bootErr     error

	partialMu sync.Mutex
	partial   string
	debounced func(func())
}

func NewApp(configPath string) *App {
	return &App{
		configPath: configPath,
		emit:       runtime.EventsEmit,
		debounced:  debounce.New(partialInterval),
	}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, a.configPath)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}
	// The coordinator emits through a as soon as it opens.
	a.cfg = services.Config
	if err := services.Coordinator.Open(ctx); err != nil {
		services.Close()
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.services = services
	a.coordinator = services.Coordinator
	a.StatusChanged(a.coordinator.Status())
}

func (a *App) shutdown(_ context.Context) {
	if a.coordinator == nil {
		return
	}
	a.services.Close()
}

// StartSession acquires the microphone and begins listening for the wake phrase.
func (a *App) StartSession() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.coordinator.Start(a.ctx)
	return a.coordinator.Status(), err
}

// StopSession releases the microphone and returns to idle.
func (a *App) StopSession() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.coordinator.Stop()
	return a.coordinator.Status(), err
}

// ReplayTranslation speaks the most recent translation again. With nothing to
// replay it does nothing; the UI keeps the control disabled via canReplay.
func (a *App) ReplayTranslation() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.coordinator.Replay(); err != nil && !errors.Is(err, usecase.ErrNothingToReplay) {
		return err
	}
	return nil
}

// SetLanguages changes the primary and target languages. Blank keeps the current value.
func (a *App) SetLanguages(primary string, target string) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.coordinator.SetLanguages(primary, target)
	return a.coordinator.Status(), err
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.coordinator == nil {
		status := domain.Status{Phase: domain.PhaseIdle, Connection: domain.ConnectionClosed}
		if a.bootErr != nil {
			status.ErrorCode = domain.ErrorCodeStartup
			status.Error = a.bootErr.Error()
		}
		return status
	}
	return a.coordinator.Status()
}

// GetHistory returns every utterance pair, oldest first.
func (a *App) GetHistory() []domain.UtterancePair {
	if a.coordinator == nil {
		return []domain.UtterancePair{}
	}
	return pairs(a.coordinator.History())
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	phrases := a.phrases()
	return map[string]string{
		"provider":         "Deepgram",
		"model":            a.cfg.Deepgram.Model,
		"endpoint":         a.cfg.Backend.Endpoint,
		"wakePhrase":       phrases.Phrase(domain.TriggerBegin),
		"endPhrase":        phrases.Phrase(domain.TriggerEnd),
		"encoding":         a.cfg.Recorder.Encoding,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.coordinator == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) phrases() trigger.Config {
	return trigger.Config{AppName: a.cfg.Trigger.AppName, TranslateCommand: a.cfg.Trigger.TranslateCommand}
}

// StatusChanged emits session status updates to the frontend.
func (a *App) StatusChanged(status domain.Status) {
	if a.ctx == nil {
		return
	}
	phrases := a.phrases()
	a.emit(a.ctx, eventStatus, map[string]interface{}{
		"status":  status,
		"message": instructionMessage(status.Phase, phrases.Phrase(domain.TriggerBegin), phrases.Phrase(domain.TriggerEnd)),
	})
}

// ConnectionChanged emits backend channel state changes.
func (a *App) ConnectionChanged(state domain.ConnectionState) {
	if a.ctx == nil {
		return
	}
	a.emit(a.ctx, eventConnection, map[string]interface{}{
		"state":     string(state),
		"connected": state == domain.ConnectionOpen,
	})
}

// UtteranceAdded emits a new original/translation pair.
func (a *App) UtteranceAdded(pair domain.UtterancePair) {
	if a.ctx == nil {
		return
	}
	a.emit(a.ctx, eventUtterance, pair)
}

// PartialTranscript emits the live trigger transcript, coalescing bursts so the
// UI sees at most one update per interval.
func (a *App) PartialTranscript(text string) {
	if a.ctx == nil {
		return
	}
	a.partialMu.Lock()
	a.partial = text
	a.partialMu.Unlock()

	a.debounced(func() {
		a.partialMu.Lock()
		latest := a.partial
		a.partialMu.Unlock()
		a.emit(a.ctx, eventPartial, map[string]string{"text": latest})
	})
}

// SessionError emits session errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	a.emit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func pairs(history domain.History) []domain.UtterancePair {
	return lo.Map(history.Transcriptions, func(original domain.Message, i int) domain.UtterancePair {
		return domain.UtterancePair{
			Original:    original.Text,
			Translation: history.Translations[i].Text,
			Timestamp:   original.Timestamp,
		}
	})
}

func instructionMessage(phase domain.Phase, wakePhrase string, endPhrase string) string {
	switch phase {
	case domain.PhaseIdle:
		return "Press start to begin listening"
	case domain.PhaseListeningForWake:
		return fmt.Sprintf("Say %q to start translating", wakePhrase)
	case domain.PhaseRecording:
		return fmt.Sprintf("Translating. Say %q to stop", endPhrase)
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermission:
		return "Microphone access denied"
	case domain.ErrorCodeRecognition:
		return "Speech recognition error"
	case domain.ErrorCodeChannel:
		return "Translation server unavailable"
	case domain.ErrorCodePayload:
		return "Unreadable message from translation server"
	case domain.ErrorCodeAudioStream:
		return "Audio streaming issue"
	case domain.ErrorCodeBackend:
		return "Translation failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
