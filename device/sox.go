// Package device provides host audio devices for the voice session client.
package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/capture"
)

// SoxMicrophone records from the default input device through sox.
// sox has no voice processing chain, so echo cancellation, noise
// suppression and gain control are left to the OS audio stack.
type SoxMicrophone struct {
	Path   string
	Logger zerolog.Logger
}

// Open starts sox and waits for the first samples, so a missing or refused
// device is reported here instead of on the first read.
func (m *SoxMicrophone) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	path, err := exec.LookPath(soxPath(m.Path))
	if err != nil {
		return nil, fmt.Errorf("%w: sox not found: %v", capture.ErrNoDevice, err)
	}

	cmd := exec.Command(path,
		"-q",
		"-d",
		"-t", "raw",
		"-r", strconv.Itoa(c.SampleRate),
		"-b", "16",
		"-c", strconv.Itoa(max(c.Channels, 1)),
		"-e", "signed-integer",
		"-L",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrNoDevice, err)
	}

	reader := bufio.NewReaderSize(stdout, c.BlockSize*2)
	first := make(chan error, 1)
	go func() {
		_, err := reader.Peek(2)
		first <- err
	}()

	select {
	case err := <-first:
		if err != nil {
			_ = cmd.Wait()
			return nil, classifySoxFailure(stderr.String(), err)
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, ctx.Err()
	}

	m.Logger.Debug().Str("component", "sox_microphone").Int("pid", cmd.Process.Pid).Msg("recording started")
	return &soxStream{cmd: cmd, reader: reader}, nil
}

func classifySoxFailure(stderr string, err error) error {
	msg := strings.ToLower(stderr)
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return fmt.Errorf("%w: %s", capture.ErrPermissionDenied, strings.TrimSpace(stderr))
	}
	if stderr != "" {
		return fmt.Errorf("%w: %s", capture.ErrNoDevice, strings.TrimSpace(stderr))
	}
	return fmt.Errorf("%w: %v", capture.ErrNoDevice, err)
}

type soxStream struct {
	cmd       *exec.Cmd
	reader    *bufio.Reader
	raw       []byte
	closeOnce sync.Once
}

func (s *soxStream) ReadBlock(ctx context.Context, buf []float32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cap(s.raw) < len(buf)*2 {
		s.raw = make([]byte, len(buf)*2)
	}
	raw := s.raw[:len(buf)*2]
	n, err := io.ReadFull(s.reader, raw)
	n -= n % 2
	copy(buf, audio.DecodePCM16(raw[:n]))
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n / 2, err
}

// Close stops recording. Killing sox unblocks a pending read.
func (s *soxStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

// SoxSpeaker streams float32 frames to the default output device through a
// long-lived sox process. A cancelled frame kills the process so buffered
// audio stops at once; the next frame starts a fresh one.
type SoxSpeaker struct {
	path       string
	sampleRate int
	log        zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	pace   *pacer
	closed bool
}

// NewSoxSpeaker checks that sox is installed; the process starts with the first frame
func NewSoxSpeaker(path string, sampleRate int, logger zerolog.Logger) (*SoxSpeaker, error) {
	resolved, err := exec.LookPath(soxPath(path))
	if err != nil {
		return nil, fmt.Errorf("sox not found (is sox installed?): %w", err)
	}
	return &SoxSpeaker{
		path:       resolved,
		sampleRate: sampleRate,
		log:        logger.With().Str("component", "sox_speaker").Logger(),
		pace:       newPacer(),
	}, nil
}

func (s *SoxSpeaker) start() error {
	cmd := exec.Command(s.path,
		"-q",
		"-t", "raw",
		"-r", strconv.Itoa(s.sampleRate),
		"-b", "32",
		"-c", "1",
		"-e", "floating-point",
		"-L",
		"-",
		"-d",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sox start: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

// stop kills sox without waiting for buffered audio to drain
func (s *SoxSpeaker) stop() {
	if s.cmd == nil {
		return
	}
	_ = s.stdin.Close()
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
}

// Play writes the frame and returns once it has sounded
func (s *SoxSpeaker) Play(ctx context.Context, frame audio.InboundFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.cmd == nil {
		if err := s.start(); err != nil {
			return err
		}
		s.pace.reset()
	}
	if _, err := s.stdin.Write(audio.EncodeFloat32LE(frame.Samples)); err != nil {
		s.stop()
		return fmt.Errorf("sox write: %w", err)
	}

	if err := s.pace.wait(ctx, frameDuration(len(frame.Samples), s.sampleRate)); err != nil {
		s.log.Debug().Msg("frame cut, stopping output")
		s.stop()
		return err
	}
	return nil
}

// Close stops output and releases the device
func (s *SoxSpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stop()
	return nil
}

func soxPath(path string) string {
	if path == "" {
		return "sox"
	}
	return path
}
