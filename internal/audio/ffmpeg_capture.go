package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"sage/internal/domain"
	"sage/internal/ports"
)

const defaultSpeechThreshold = 500

// FFMPEGCapture records one phrase at a time from the microphone using
// ffmpeg. The device is opened per Listen call and released before it
// returns.
type FFMPEGCapture struct {
	command   string
	cfg       ports.AudioConfig
	chunkSize int
	threshold float64
}

func NewFFMPEGCapture(command string, cfg ports.AudioConfig, chunkSize int, threshold float64) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
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
	if chunkSize < 256 {
		chunkSize = 4096
	}
	// Keep chunks aligned to whole samples.
	chunkSize -= chunkSize % (2 * cfg.Channels)
	if threshold <= 0 {
		threshold = defaultSpeechThreshold
	}
	return &FFMPEGCapture{command: command, cfg: cfg, chunkSize: chunkSize, threshold: threshold}
}

// Listen waits up to opts.Timeout for speech, then records until opts.PhraseEnd
// of trailing quiet or opts.PhraseLimit of total audio.
func (c *FFMPEGCapture) Listen(ctx context.Context, opts ports.ListenOptions) (ports.Audio, error) {
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := c.start(listenCtx)
	if err != nil {
		return ports.Audio{}, err
	}
	defer session.Stop()

	chunks := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, c.chunkSize)
			n, err := io.ReadFull(session, buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-listenCtx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	bytesPerSecond := c.cfg.SampleRate * c.cfg.Channels * 2
	phraseEndBytes := durationBytes(opts.PhraseEnd, bytesPerSecond)
	phraseLimitBytes := durationBytes(opts.PhraseLimit, bytesPerSecond)

	var (
		recorded  bytes.Buffer
		speaking  bool
		quietRun  int
		lastChunk []byte
	)
	for {
		select {
		case <-ctx.Done():
			return ports.Audio{}, ctx.Err()
		case <-timeout:
			if !speaking {
				return ports.Audio{}, domain.ErrListenTimeout
			}
		case chunk, ok := <-chunks:
			if !ok {
				if speaking {
					return c.audio(recorded.Bytes()), nil
				}
				if ctx.Err() != nil {
					return ports.Audio{}, ctx.Err()
				}
				err := io.ErrUnexpectedEOF
				select {
				case err = <-readErr:
				default:
				}
				return ports.Audio{}, fmt.Errorf("audio stream ended before speech: %w", err)
			}

			loud := rms(chunk) >= c.threshold
			if !speaking {
				if !loud {
					lastChunk = chunk
					continue
				}
				speaking = true
				timeout = nil
				// Keep the lead-in so the first syllable is not clipped.
				recorded.Write(lastChunk)
			}

			recorded.Write(chunk)
			if loud {
				quietRun = 0
			} else {
				quietRun += len(chunk)
			}
			if phraseEndBytes > 0 && quietRun >= phraseEndBytes {
				return c.audio(recorded.Bytes()), nil
			}
			if phraseLimitBytes > 0 && recorded.Len() >= phraseLimitBytes {
				return c.audio(recorded.Bytes()), nil
			}
		}
	}
}

func (c *FFMPEGCapture) audio(pcm []byte) ports.Audio {
	return ports.Audio{
		PCM:        append([]byte(nil), pcm...),
		SampleRate: c.cfg.SampleRate,
		Channels:   c.cfg.Channels,
	}
}

func (c *FFMPEGCapture) start(ctx context.Context) (*ffmpegSession, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.InputFormat,
		"-i", c.cfg.InputDevice,
		"-ac", strconv.Itoa(c.cfg.Channels),
		"-ar", strconv.Itoa(c.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, stringsTrimSpaceSafe(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, stringsTrimSpaceSafe(s.stderr.String()))
		}
	})

	return s.stopErr
}

// rms returns the root-mean-square amplitude of little-endian s16 samples.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}

func durationBytes(d time.Duration, bytesPerSecond int) int {
	if d <= 0 {
		return 0
	}
	return int(d.Seconds() * float64(bytesPerSecond))
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
