package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/capture"
)

const wavHeaderSize = 44

// FileMicrophone replays a recording as if it were spoken live.
// The file holds raw signed 16-bit LE mono PCM at the capture rate, or a
// canonical WAV file whose 44-byte header is skipped.
type FileMicrophone struct {
	Path string
	// Realtime paces blocks at their natural duration.
	Realtime bool
	Logger   zerolog.Logger
}

// Open loads the recording. Missing files surface as capture.ErrNoDevice.
func (m *FileMicrophone) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrNoDevice, err)
	}
	pcm := stripWAVHeader(data)

	log := m.Logger.With().Str("component", "file_microphone").Str("path", m.Path).Logger()
	if len(pcm) != len(data) {
		log.Debug().Msg("detected WAV file, skipping header")
	}
	log.Info().Int("bytes", len(pcm)).Msg("recording loaded")

	streamCtx, cancel := context.WithCancel(context.Background())
	return &fileStream{
		r:          bytes.NewReader(pcm),
		realtime:   m.Realtime,
		sampleRate: c.SampleRate,
		pace:       newPacer(),
		ctx:        streamCtx,
		cancel:     cancel,
	}, nil
}

func stripWAVHeader(data []byte) []byte {
	if len(data) > wavHeaderSize && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return data[wavHeaderSize:]
	}
	return data
}

type fileStream struct {
	r          *bytes.Reader
	realtime   bool
	sampleRate int
	pace       *pacer
	ctx        context.Context
	cancel     context.CancelFunc
}

func (s *fileStream) ReadBlock(ctx context.Context, buf []float32) (int, error) {
	if s.ctx.Err() != nil {
		return 0, io.EOF
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	raw := make([]byte, len(buf)*2)
	n, _ := io.ReadFull(s.r, raw)
	if n < 2 {
		return 0, io.EOF
	}
	samples := audio.DecodePCM16(raw[:n])
	copy(buf, samples)

	if s.realtime {
		if err := s.pace.wait(ctx, frameDuration(len(samples), s.sampleRate)); err != nil {
			return len(samples), err
		}
	}
	return len(samples), nil
}

func (s *fileStream) Close() error {
	s.cancel()
	return nil
}
