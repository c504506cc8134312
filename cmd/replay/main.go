// Command replay streams a recorded utterance through a voice session and
// reports each turn, for exercising a voice pipeline without a microphone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/room4-2/voicecall/config"
	"github.com/room4-2/voicecall/device"
	"github.com/room4-2/voicecall/logger"
	"github.com/room4-2/voicecall/messages"
	"github.com/room4-2/voicecall/playback"
	"github.com/room4-2/voicecall/session"
)

func main() {
	audioFile := flag.String("file", "", "16 kHz mono PCM16 file (raw or WAV)")
	realtime := flag.Bool("realtime", true, "pace the file at capture speed")
	play := flag.Bool("play", false, "play the reply through sox")
	turns := flag.Int("turns", 1, "completed turns to wait for")
	timeout := flag.Duration("timeout", time.Minute, "give up after this long")
	flag.Parse()

	if *audioFile == "" {
		fmt.Println("Usage: replay -file <audio.wav> [-play] [-turns n]")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg, "replay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	speaker := func(rate int) (playback.Speaker, error) {
		return device.NewNullSpeaker(rate), nil
	}
	if *play {
		speaker = func(rate int) (playback.Speaker, error) {
			s, err := device.NewSoxSpeaker(cfg.SoxPath, rate, log)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}

	client, err := session.NewClient(session.ClientOptions{
		Config: cfg,
		Devices: session.Devices{
			Microphone: &device.FileMicrophone{Path: *audioFile, Realtime: *realtime, Logger: log},
			Speaker:    speaker,
		},
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create voice client")
	}
	defer client.Close()

	start := time.Now()
	h, err := client.Begin(ctx, session.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start voice session")
	}
	fmt.Printf("Session %s started, streaming %s\n", h.ID(), *audioFile)

	completed := 0
	for completed < *turns {
		select {
		case <-ctx.Done():
			fmt.Println("Stopped before all turns completed")
			completed = *turns
		case <-h.Done():
			completed = *turns
		case u, ok := <-client.Updates():
			if !ok {
				completed = *turns
				continue
			}
			switch m := u.Message.(type) {
			case messages.Transcript:
				if m.IsFinal {
					fmt.Printf("Heard: %s\n", m.Text)
				}
			case messages.LLMResponse:
				fmt.Printf("Reply: %s\n", m.Text)
			case messages.TurnComplete:
				completed++
				fmt.Printf("Turn %d complete in %dms (%.1fs since start)\n",
					completed, m.Latency.TotalMS, time.Since(start).Seconds())
			}
			if u.Err != nil {
				fmt.Printf("Error: %v\n", u.Err)
			}
		}
	}

	if err := h.End(); err != nil {
		log.Warn().Err(err).Msg("teardown reported errors")
	}
	stats := h.Stats()
	snap := h.Snapshot()
	fmt.Printf("Session %s %s: %d turn(s), %d frame(s) played\n", snap.ID, snap.State, snap.Turns, stats.FramesPlayed)
}
