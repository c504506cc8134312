package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/capture"
	"github.com/room4-2/voicecall/config"
	"github.com/room4-2/voicecall/device"
	"github.com/room4-2/voicecall/logger"
	"github.com/room4-2/voicecall/messages"
	"github.com/room4-2/voicecall/playback"
	"github.com/room4-2/voicecall/session"
)

func main() {
	voiceID := flag.String("voice", "", "voice id (defaults to VOICE_ID)")
	receiveOnly := flag.Bool("receive-only", false, "listen without opening the microphone")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg, "voicecall")

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := session.NewManager(cfg, log)
	defer registry.Shutdown()
	go registry.StartCleanupRoutine(ctx)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	devices := session.Devices{
		Speaker: func(rate int) (playback.Speaker, error) {
			speaker, err := device.NewSoxSpeaker(cfg.SoxPath, rate, log)
			if err != nil {
				return nil, err
			}
			return speaker, nil
		},
	}
	if !*receiveOnly {
		devices.Microphone = &device.SoxMicrophone{Path: cfg.SoxPath, Logger: log}
	}

	client, err := session.NewClient(session.ClientOptions{
		Config:   cfg,
		Devices:  devices,
		Registry: registry,
		Logger:   log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create voice client")
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		display(client.Updates())
	}()

	h, err := client.Begin(ctx, session.Options{VoiceID: *voiceID})
	if err != nil {
		_ = client.Close()
		<-printed
		log.Fatal().Err(err).Msg("failed to start voice session")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal, ending call")
		if err := h.End(); err != nil {
			log.Warn().Err(err).Msg("teardown reported errors")
		}
	case <-h.Done():
	}

	_ = client.Close()
	<-printed

	snap := h.Snapshot()
	fmt.Printf("\ncall %s %s after %d turn(s)\n", snap.ID, snap.State, snap.Turns)
	if snap.State == session.StateFailed {
		os.Exit(1)
	}
}

// display renders session updates on the terminal
func display(updates <-chan session.Update) {
	for u := range updates {
		if u.Transition.Changed() {
			fmt.Printf("[%s]\n", u.Transition.To)
		}
		switch m := u.Message.(type) {
		case messages.Ready:
			fmt.Printf("connected to %s", u.Snapshot.AgentName)
			if u.Snapshot.CompanyName != "" {
				fmt.Printf(" (%s)", u.Snapshot.CompanyName)
			}
			fmt.Println()
		case messages.Transcript:
			if m.IsFinal {
				fmt.Printf("you:   %s\n", m.Text)
			}
		case messages.LLMResponse:
			fmt.Printf("agent: %s\n", m.Text)
		case messages.TurnComplete:
			fmt.Printf("       (stt %dms, llm %dms, tts %dms, total %dms)\n",
				m.Latency.STTMS, m.Latency.LLMMS, m.Latency.TTSMS, m.Latency.TotalMS)
		case messages.BargeIn, messages.TTSInterrupted:
			fmt.Println("       (interrupted)")
		}

		var capErr *capture.Error
		switch {
		case errors.As(u.Err, &capErr):
			fmt.Printf("microphone unavailable, listening only: %v\n", capErr)
		case u.Err != nil:
			fmt.Printf("error: %v\n", u.Err)
		}
	}
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}
