package device

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/capture"
)

func writePCM(t *testing.T, name string, header []byte, samples []float32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	data := append(append([]byte(nil), header...), audio.EncodePCM16(samples)...)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestFileMicrophoneReadsBlocks(t *testing.T) {
	samples := []float32{0.5, -0.5, 0.25, -0.25, 1, -1, 0}
	mic := &FileMicrophone{Path: writePCM(t, "user.pcm", nil, samples), Logger: zerolog.Nop()}

	stream, err := mic.Open(context.Background(), capture.Constraints{SampleRate: 16000, BlockSize: 3})
	require.NoError(t, err)
	defer stream.Close()

	var got []float32
	buf := make([]float32, 3)
	for {
		n, err := stream.ReadBlock(context.Background(), buf)
		got = append(got, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	require.Len(t, got, len(samples))
	for i := range samples {
		assert.InDelta(t, samples[i], got[i], 1.0/32767)
	}
}

func TestFileMicrophoneSkipsWAVHeader(t *testing.T) {
	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	copy(header[8:12], "WAVE")
	mic := &FileMicrophone{Path: writePCM(t, "user.wav", header, []float32{0.5, 0.5}), Logger: zerolog.Nop()}

	stream, err := mic.Open(context.Background(), capture.Constraints{SampleRate: 16000})
	require.NoError(t, err)

	buf := make([]float32, 8)
	n, err := stream.ReadBlock(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFileMicrophoneMissingFile(t *testing.T) {
	mic := &FileMicrophone{Path: filepath.Join(t.TempDir(), "missing.pcm")}
	_, err := mic.Open(context.Background(), capture.Constraints{})
	assert.ErrorIs(t, err, capture.ErrNoDevice)
}

func TestFileMicrophoneCloseStopsRealtimeRead(t *testing.T) {
	samples := make([]float32, 16000) // one second
	mic := &FileMicrophone{Path: writePCM(t, "long.pcm", nil, samples), Realtime: true}

	stream, err := mic.Open(context.Background(), capture.Constraints{SampleRate: 16000})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := stream.ReadBlock(context.Background(), make([]float32, 16000))
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, stream.Close())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("read did not stop after Close")
	}
	_, err = stream.ReadBlock(context.Background(), make([]float32, 4))
	assert.ErrorIs(t, err, io.EOF)
}

func TestNullSpeakerPacesAndCuts(t *testing.T) {
	s := NewNullSpeaker(16000)

	start := time.Now()
	require.NoError(t, s.Play(context.Background(), audio.InboundFrame{Samples: make([]float32, 160)}))
	assert.GreaterOrEqual(t, time.Since(start), 9*time.Millisecond)
	assert.Equal(t, 160, s.Played())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	start = time.Now()
	err := s.Play(ctx, audio.InboundFrame{Samples: make([]float32, 16000)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 160, s.Played())
	assert.NoError(t, s.Close())
}

func TestPacerDoesNotDrift(t *testing.T) {
	now := time.Unix(0, 0)
	p := &pacer{now: func() time.Time { return now }}

	// Each wait is measured from the previous deadline, so a late wakeup
	// shortens the next wait instead of pushing the schedule back.
	p.playhead = now.Add(-time.Second)
	require.NoError(t, p.wait(context.Background(), 0))
	assert.Equal(t, now, p.playhead)

	p.playhead = now.Add(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.wait(ctx, time.Hour), context.Canceled)
	assert.True(t, p.playhead.IsZero())
}

func TestClassifySoxFailure(t *testing.T) {
	assert.ErrorIs(t, classifySoxFailure("can't open input: Permission denied", io.EOF), capture.ErrPermissionDenied)
	assert.ErrorIs(t, classifySoxFailure("no default audio device", io.EOF), capture.ErrNoDevice)
	assert.ErrorIs(t, classifySoxFailure("", io.EOF), capture.ErrNoDevice)
}

func TestSoxMissingBinary(t *testing.T) {
	_, err := NewSoxSpeaker(filepath.Join(t.TempDir(), "no-sox"), 24000, zerolog.Nop())
	assert.Error(t, err)

	mic := &SoxMicrophone{Path: filepath.Join(t.TempDir(), "no-sox")}
	_, err = mic.Open(context.Background(), capture.DefaultConstraints())
	assert.ErrorIs(t, err, capture.ErrNoDevice)
}
