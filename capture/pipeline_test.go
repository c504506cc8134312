package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicecall/audio"
)

type fakeStream struct {
	blocks chan float32
	closed atomic.Bool
	quit   chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{blocks: make(chan float32, 16), quit: make(chan struct{})}
}

// ReadBlock fills the block with one constant value per call so tests can
// identify frames after encoding.
func (s *fakeStream) ReadBlock(ctx context.Context, buf []float32) (int, error) {
	select {
	case v, ok := <-s.blocks:
		if !ok {
			return 0, io.EOF
		}
		for i := range buf {
			buf[i] = v
		}
		return len(buf), nil
	case <-s.quit:
		return 0, errors.New("stream closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.quit)
	})
	return nil
}

type fakeMic struct {
	stream *fakeStream
	err    error
	grant  chan struct{} // when non-nil, Open waits for it and ignores ctx
	opened atomic.Int32
	got    Constraints
}

func (m *fakeMic) Open(ctx context.Context, c Constraints) (Stream, error) {
	m.opened.Add(1)
	m.got = c
	if m.grant != nil {
		<-m.grant
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.stream, nil
}

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) SendAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, pcm)
}

// firstSamples decodes the first sample of every frame sent so far
func (s *recordingSink) firstSamples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int16, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, int16(binary.LittleEndian.Uint16(f)))
	}
	return out
}

func newTestPipeline(mic Microphone, pending int) *Pipeline {
	return New(mic, Options{
		Constraints:   Constraints{BlockSize: 8},
		PendingFrames: pending,
		Logger:        zerolog.Nop(),
	})
}

func value(i int) float32 { return float32(i) / 100 }

func TestPendingFramesFlushBeforeNewFrames(t *testing.T) {
	stream := newFakeStream()
	p := newTestPipeline(&fakeMic{stream: stream}, 10)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for i := 1; i <= 3; i++ {
		stream.blocks <- value(i)
	}
	require.Eventually(t, func() bool { return p.Pending() == 3 }, time.Second, 5*time.Millisecond)

	sink := &recordingSink{}
	assert.Empty(t, sink.firstSamples(), "nothing is sent before ready")

	p.MarkReady(sink)
	assert.Equal(t, 0, p.Pending())

	for i := 4; i <= 6; i++ {
		stream.blocks <- value(i)
	}
	require.Eventually(t, func() bool { return len(sink.firstSamples()) == 6 }, time.Second, 5*time.Millisecond)

	want := make([]int16, 0, 6)
	for i := 1; i <= 6; i++ {
		want = append(want, audio.FloatToInt16(value(i)))
	}
	assert.Equal(t, want, sink.firstSamples())
}

func TestPendingBufferEvictsOldest(t *testing.T) {
	pb := NewPendingBuffer(3)
	for i := uint64(1); i <= 5; i++ {
		pb.Push(audio.OutboundFrame{Seq: i})
	}
	assert.Equal(t, 3, pb.Len())
	assert.Equal(t, uint64(2), pb.Evicted())

	frames := pb.Drain()
	require.Len(t, frames, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{frames[0].Seq, frames[1].Seq, frames[2].Seq})
	assert.Equal(t, 0, pb.Len())
	assert.Nil(t, pb.Drain())
}

func TestPendingBufferClear(t *testing.T) {
	pb := NewPendingBuffer(0)
	assert.Equal(t, DefaultPendingFrames, pb.MaxFrames())
	pb.Push(audio.OutboundFrame{Seq: 1})
	pb.Push(audio.OutboundFrame{Seq: 2})
	assert.Equal(t, 2, pb.Clear())
	assert.Equal(t, 0, pb.Len())
}

func TestStartDeniedIsRetryable(t *testing.T) {
	mic := &fakeMic{err: ErrPermissionDenied}
	p := newTestPipeline(mic, 4)

	err := p.Start(context.Background())
	var capErr *Error
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "open", capErr.Op)
	assert.True(t, IsDenied(err))
	assert.False(t, p.Active())

	mic.err = nil
	mic.stream = newFakeStream()
	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Active())
	assert.ErrorIs(t, p.Start(context.Background()), ErrRunning)

	require.NoError(t, p.Stop())
	assert.True(t, mic.stream.closed.Load())
	assert.Equal(t, int32(2), mic.opened.Load())
}

func TestStopDuringAcquisitionReleasesLateGrant(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream, grant: make(chan struct{})}
	p := newTestPipeline(mic, 4)

	errc := make(chan error, 1)
	go func() { errc <- p.Start(context.Background()) }()
	require.Eventually(t, func() bool { return mic.opened.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	// The OS grants the device after the session already ended.
	close(mic.grant)
	require.Eventually(t, stream.closed.Load, time.Second, time.Millisecond)
	assert.False(t, p.Active())
	assert.ErrorIs(t, p.Start(context.Background()), ErrStopped)
}

func TestContextCancelDuringAcquisition(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream, grant: make(chan struct{})}
	p := newTestPipeline(mic, 4)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Start(ctx) }()
	require.Eventually(t, func() bool { return mic.opened.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	close(mic.grant)
	require.Eventually(t, stream.closed.Load, time.Second, time.Millisecond)
	require.NoError(t, p.Stop())
}

func TestReadFailureReleasesDeviceForRetry(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}
	var reported atomic.Value
	p := New(mic, Options{
		Constraints: Constraints{BlockSize: 8},
		OnError:     func(err error) { reported.Store(err) },
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, p.Start(context.Background()))
	sink := &recordingSink{}
	p.MarkReady(sink)

	// Closing the device underneath the reader looks like a hardware failure.
	_ = stream.Close()
	require.Eventually(t, func() bool { return reported.Load() != nil }, time.Second, time.Millisecond)
	var capErr *Error
	require.True(t, errors.As(reported.Load().(error), &capErr))
	assert.Equal(t, "read", capErr.Op)
	assert.False(t, p.Active())

	mic.stream = newFakeStream()
	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Active())
	assert.Equal(t, int32(2), mic.opened.Load())

	mic.stream.blocks <- value(7)
	require.Eventually(t, func() bool { return len(sink.firstSamples()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, audio.FloatToInt16(value(7)), sink.firstSamples()[0])

	require.NoError(t, p.Stop())
	assert.True(t, mic.stream.closed.Load())
}

func TestExhaustedSourceReleasesDevice(t *testing.T) {
	stream := newFakeStream()
	p := newTestPipeline(&fakeMic{stream: stream}, 4)
	require.NoError(t, p.Start(context.Background()))

	close(stream.blocks)
	require.Eventually(t, func() bool { return !p.Active() }, time.Second, time.Millisecond)
	assert.True(t, stream.closed.Load())
	require.NoError(t, p.Stop())
}

func TestStopIsIdempotentAndClearsPending(t *testing.T) {
	stream := newFakeStream()
	p := newTestPipeline(&fakeMic{stream: stream}, 4)
	require.NoError(t, p.Start(context.Background()))

	stream.blocks <- value(1)
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.True(t, stream.closed.Load())
	assert.Equal(t, 0, p.Pending())
	assert.False(t, p.Active())
}

func TestDefaultConstraints(t *testing.T) {
	mic := &fakeMic{stream: newFakeStream()}
	p := New(mic, Options{Constraints: DefaultConstraints(), Logger: zerolog.Nop()})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Equal(t, 16000, mic.got.SampleRate)
	assert.Equal(t, 1, mic.got.Channels)
	assert.Equal(t, 4096, mic.got.BlockSize)
	assert.True(t, mic.got.EchoCancellation)
	assert.True(t, mic.got.NoiseSuppression)
	assert.True(t, mic.got.AutoGainControl)
}
