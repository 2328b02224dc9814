package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wakelingo/internal/domain"
	"wakelingo/internal/ports"
)

const (
	startupGrace = 250 * time.Millisecond
	stopTimeout  = 1200 * time.Millisecond
	stderrLimit  = 4096

	// ioGrace bounds how long Wait lingers on output held open by ffmpeg's children.
	ioGrace = 500 * time.Millisecond
)

// FFMPEGCapture records the microphone as signed 16-bit little-endian PCM
// through an ffmpeg subprocess.
type FFMPEGCapture struct {
	command string
	logger  *zap.SugaredLogger
}

func NewFFMPEGCapture(command string, logger *zap.SugaredLogger) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FFMPEGCapture{command: command, logger: logger}
}

// Start acquires the microphone. Any failure to open the device is reported
// as a permission error so the session does not advance.
func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withDefaults(cfg)

	pr, pw := io.Pipe()
	stderr := &tailBuffer{limit: stderrLimit}

	// The process outlives the acquiring call, so it is bound to Stop rather than ctx.
	cmd := exec.Command(c.command, captureArgs(cfg)...)
	cmd.Stdout = pw
	cmd.Stderr = stderr
	cmd.WaitDelay = ioGrace
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		return nil, domain.NewError(domain.ErrorCodePermission, fmt.Errorf("could not access microphone: %w", err))
	}

	s := &ffmpegSession{
		out:     pr,
		stderr:  stderr,
		process: cmd.Process,
		exited:  make(chan struct{}),
		logger:  c.logger,
	}
	go s.wait(cmd, pw)

	select {
	case <-s.exited:
		_ = pr.Close()
		detail := stderr.String()
		if s.exitErr != nil {
			return nil, domain.NewError(domain.ErrorCodePermission, fmt.Errorf("could not access microphone: %w: %s", s.exitErr, detail))
		}
		return nil, domain.NewError(domain.ErrorCodePermission, fmt.Errorf("could not access microphone: capture exited: %s", detail))
	case <-ctx.Done():
		s.stopping.Store(true)
		_ = cmd.Process.Kill()
		_ = pr.Close()
		<-s.exited
		return nil, ctx.Err()
	case <-time.After(startupGrace):
	}

	c.logger.Infow("microphone acquired", "device", cfg.InputDevice, "format", cfg.InputFormat, "sample_rate", cfg.SampleRate)
	return s, nil
}

func withDefaults(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

func captureArgs(cfg ports.AudioConfig) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// ffmpegSession is a running capture. Read returns io.EOF once Stop has been
// called and an audio_stream error if ffmpeg dies on its own.
type ffmpegSession struct {
	out     *io.PipeReader
	stderr  *tailBuffer
	process *os.Process
	logger  *zap.SugaredLogger

	exited   chan struct{}
	exitErr  error
	stopping atomic.Bool

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) wait(cmd *exec.Cmd, pw *io.PipeWriter) {
	err := cmd.Wait()
	s.exitErr = err
	if s.stopping.Load() {
		_ = pw.Close()
	} else {
		exitErr := s.unexpectedExit(err)
		s.logger.Warnw("capture process exited", "error", exitErr)
		_ = pw.CloseWithError(exitErr)
	}
	close(s.exited)
}

func (s *ffmpegSession) unexpectedExit(err error) error {
	if err == nil {
		err = errors.New("capture process exited")
	} else {
		err = fmt.Errorf("capture process exited: %w", err)
	}
	if detail := s.stderr.String(); detail != "" {
		err = fmt.Errorf("%w: %s", err, detail)
	}
	return domain.NewError(domain.ErrorCodeAudioStream, err)
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

// Stop interrupts the capture process, killing it if it lingers. It is safe
// to call repeatedly.
func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		_ = s.process.Signal(os.Interrupt)
		// Closing the reader keeps ffmpeg from blocking on a full pipe.
		_ = s.out.Close()

		select {
		case <-s.exited:
		case <-time.After(stopTimeout):
			_ = s.process.Kill()
			<-s.exited
		}

		s.stopErr = normalizeStopErr(s.exitErr)
		if s.stopErr != nil {
			if detail := s.stderr.String(); detail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, detail)
			}
		}
	})
	return s.stopErr
}

// normalizeStopErr drops the non-zero exit status ffmpeg reports when interrupted.
func normalizeStopErr(err error) error {
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

// tailBuffer keeps the last limit bytes written to it. ffmpeg writes stderr
// from its own goroutine while errors are being built.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
