// Command voice-peer runs a development voice pipeline for the client to
// talk to, either scripted or relayed to Gemini Live.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/room4-2/voicecall/config"
	"github.com/room4-2/voicecall/gemini"
	"github.com/room4-2/voicecall/logger"
	"github.com/room4-2/voicecall/server"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg, "voice-peer")

	var backend server.Backend
	switch cfg.PeerMode {
	case "gemini":
		backend = gemini.NewRelay(gemini.RelayOptions{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			Logger:       log,
		})
	default:
		backend = server.NewScriptedBackend(server.DefaultScript(), log)
	}

	srv := server.NewServerWebsocket(backend, server.Options{
		Addr:           cfg.PeerAddr(),
		AgentName:      cfg.PeerAgentName,
		CompanyName:    cfg.PeerCompany,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	})

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("peer shutdown error")
		}
	}()

	log.Info().Str("mode", cfg.PeerMode).Msg("voice peer configured")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("peer error")
	}
	log.Info().Msg("peer stopped")
}
