package bootstrap

import (
	"fmt"

	"go.uber.org/zap"

	"wakelingo/internal/audio"
	"wakelingo/internal/channel"
	"wakelingo/internal/config"
	"wakelingo/internal/logging"
	"wakelingo/internal/playback"
	"wakelingo/internal/ports"
	"wakelingo/internal/providers/deepgram"
	"wakelingo/internal/recorder"
	"wakelingo/internal/rules"
	"wakelingo/internal/trigger"
	"wakelingo/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Coordinator *usecase.Coordinator
	Config      config.Config
	Logger      *zap.SugaredLogger

	closers []func()
}

// Close releases everything Build created. The coordinator is closed first so
// no more speech is queued after the speaker stops.
func (s Services) Close() {
	if s.Coordinator != nil {
		_ = s.Coordinator.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	if s.Logger != nil {
		_ = s.Logger.Sync()
	}
}

// Build wires all backend dependencies for the current runtime. An empty
// configPath uses the default search locations.
func Build(eventSink ports.EventSink, configPath string) (Services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return Services{}, err
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return Services{}, err
	}

	normalizer, err := rules.Load(cfg.Trigger.RulesFile, cfg.Trigger.RuleIterationLimit)
	if err != nil {
		return Services{}, fmt.Errorf("failed to load trigger rules: %w", err)
	}

	encoder, err := recorder.NewEncoder(cfg.Recorder.Encoding)
	if err != nil {
		return Services{}, err
	}

	provider := deepgram.NewProvider(deepgram.Config{
		APIKey:      cfg.Deepgram.APIKey,
		APIBaseURL:  cfg.Deepgram.APIBaseURL,
		Model:       cfg.Deepgram.Model,
		SmartFormat: cfg.Deepgram.SmartFormat,
		KeepAlive:   cfg.Deepgram.KeepAlive,
	}, logger.Named("deepgram"))

	listener := trigger.NewListener(provider, normalizer, trigger.Config{
		AppName:          cfg.Trigger.AppName,
		TranslateCommand: cfg.Trigger.TranslateCommand,
		Streaming: ports.StreamingConfig{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			Encoding:   "linear16",
		},
	}, logger.Named("trigger"))

	services := Services{Config: cfg, Logger: logger}

	var speaker ports.Speaker = playback.Muted{}
	if cfg.Playback.Enabled {
		s := playback.NewSpeaker(
			playback.NewPiperSynthesizer(cfg.Playback.Piper.Endpoint, cfg.Playback.Piper.Voices, logger.Named("piper")),
			playback.NewFFPlayPlayer(cfg.Playback.PlayerCommand),
			logger.Named("playback"),
		)
		services.closers = append(services.closers, s.Close)
		speaker = s
	}

	coordinator, err := usecase.NewCoordinator(usecase.Dependencies{
		Capture:  audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand, logger.Named("audio")),
		Listener: listener,
		Recorder: recorder.New(cfg.Recorder.Interval, encoder, logger.Named("recorder")),
		Channel: channel.New(channel.Config{
			Endpoint:       cfg.Backend.Endpoint,
			ReconnectDelay: cfg.Backend.ReconnectDelay,
		}, logger.Named("channel")),
		Speaker: speaker,
		Events:  eventSink,
	}, usecase.Config{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		ChunkSize:       cfg.Audio.ChunkSize,
		PrimaryLanguage: cfg.Languages.Primary,
		TargetLanguage:  cfg.Languages.Target,
	}, logger.Named("coordinator"))
	if err != nil {
		services.Close()
		return Services{}, err
	}

	services.Coordinator = coordinator
	logger.Infow("services assembled",
		"endpoint", cfg.Backend.Endpoint,
		"primary", cfg.Languages.Primary,
		"target", cfg.Languages.Target,
		"encoding", encoder.Name(),
		"playback", cfg.Playback.Enabled,
	)
	return services, nil
}
