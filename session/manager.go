package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/config"
)

const (
	activeSessionsKey = "active_sessions"
	sessionKeyPrefix  = "session:"
)

// Registry receives session updates for display layers
type Registry interface {
	Publish(ctx context.Context, u Update)
	Finish(ctx context.Context, snap Snapshot)
}

// Record is what display layers read from the registry and the update feed
type Record struct {
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	From      State     `json:"from"`
	Snapshot  Snapshot  `json:"snapshot"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Manager keeps the session registry in memory and mirrors it to Redis when
// Redis is reachable: one hash per session with a TTL, a set of active
// session ids, and a pub/sub channel of updates per session.
type Manager struct {
	sessions map[string]Snapshot
	mu       sync.RWMutex
	redis    *redis.Client
	ttl      time.Duration
	log      zerolog.Logger
}

// NewManager creates a registry, connecting to Redis if it is available
func NewManager(cfg *config.Config, logger zerolog.Logger) *Manager {
	log := logger.With().Str("component", "registry").Logger()

	// Try to connect to Redis, but don't fail if unavailable
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisURL).Msg("redis unavailable, registry is in-memory only")
		_ = redisClient.Close()
		redisClient = nil
	}

	return NewManagerWithClient(redisClient, cfg.SessionTTL, logger)
}

// NewManagerWithClient creates a registry on an existing Redis client.
// A nil client keeps everything in memory.
func NewManagerWithClient(redisClient *redis.Client, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{
		sessions: make(map[string]Snapshot),
		redis:    redisClient,
		ttl:      ttl,
		log:      logger.With().Str("component", "registry").Logger(),
	}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// UpdatesChannel is the pub/sub channel carrying a session's records
func UpdatesChannel(id string) string {
	return sessionKeyPrefix + id + ":updates"
}

// Publish stores the latest snapshot and fans the update out to subscribers
func (sm *Manager) Publish(ctx context.Context, u Update) {
	snap := u.Snapshot
	if snap.ID == "" {
		return
	}

	sm.mu.Lock()
	sm.sessions[snap.ID] = snap
	sm.mu.Unlock()

	if sm.redis == nil {
		return
	}

	rec := Record{
		SessionID: snap.ID,
		Event:     u.Transition.Event,
		From:      u.Transition.From,
		Snapshot:  snap,
		At:        time.Now().UTC(),
	}
	if u.Err != nil {
		rec.Error = u.Err.Error()
	}
	payload, err := sonic.Marshal(rec)
	if err != nil {
		sm.log.Warn().Err(err).Msg("encode registry record")
		return
	}

	pipe := sm.redis.TxPipeline()
	pipe.HSet(ctx, sessionKey(snap.ID), snapshotFields(snap))
	pipe.SAdd(ctx, activeSessionsKey, snap.ID)
	pipe.Expire(ctx, sessionKey(snap.ID), sm.ttl)
	pipe.Publish(ctx, UpdatesChannel(snap.ID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		sm.log.Warn().Err(err).Str("session_id", snap.ID).Msg("registry update failed")
	}
}

// Finish records the final snapshot and removes the session from the active set.
// The hash stays readable until its TTL runs out.
func (sm *Manager) Finish(ctx context.Context, snap Snapshot) {
	sm.mu.Lock()
	delete(sm.sessions, snap.ID)
	sm.mu.Unlock()

	if sm.redis == nil || snap.ID == "" {
		return
	}

	pipe := sm.redis.TxPipeline()
	pipe.HSet(ctx, sessionKey(snap.ID), snapshotFields(snap))
	pipe.SRem(ctx, activeSessionsKey, snap.ID)
	pipe.Expire(ctx, sessionKey(snap.ID), sm.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		sm.log.Warn().Err(err).Str("session_id", snap.ID).Msg("registry finish failed")
	}
}

func snapshotFields(snap Snapshot) map[string]interface{} {
	fields := map[string]interface{}{
		"state":          string(snap.State),
		"agent_name":     snap.AgentName,
		"company_name":   snap.CompanyName,
		"voice_id":       snap.VoiceID,
		"sample_rate":    snap.SampleRate,
		"last_error":     snap.LastError,
		"turns":          snap.Turns,
		"capture_active": snap.CaptureActive,
		"started_at":     snap.StartedAt.Format(time.RFC3339),
	}
	if !snap.EndedAt.IsZero() {
		fields["ended_at"] = snap.EndedAt.Format(time.RFC3339)
	}
	return fields
}

// GetSession returns the latest snapshot of a live session on this process
func (sm *Manager) GetSession(sessionID string) (Snapshot, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	snap, exists := sm.sessions[sessionID]
	return snap, exists
}

// GetActiveSessionCount returns the number of live sessions on this process
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Lookup reads a session summary from Redis, including finished sessions
// still within their TTL.
func (sm *Manager) Lookup(ctx context.Context, sessionID string) (Snapshot, error) {
	if sm.redis == nil {
		if snap, ok := sm.GetSession(sessionID); ok {
			return snap, nil
		}
		return Snapshot{}, fmt.Errorf("session %s not found", sessionID)
	}

	fields, err := sm.redis.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("lookup session %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return Snapshot{}, fmt.Errorf("session %s not found", sessionID)
	}

	snap := Snapshot{
		ID:          sessionID,
		State:       State(fields["state"]),
		AgentName:   fields["agent_name"],
		CompanyName: fields["company_name"],
		VoiceID:     fields["voice_id"],
		LastError:   fields["last_error"],
	}
	snap.SampleRate, _ = strconv.Atoi(fields["sample_rate"])
	snap.Turns, _ = strconv.Atoi(fields["turns"])
	snap.CaptureActive = fields["capture_active"] == "1"
	snap.StartedAt, _ = time.Parse(time.RFC3339, fields["started_at"])
	if ended, ok := fields["ended_at"]; ok {
		snap.EndedAt, _ = time.Parse(time.RFC3339, ended)
	}
	return snap, nil
}

// Subscribe streams a session's update records until ctx is done
func (sm *Manager) Subscribe(ctx context.Context, sessionID string) (<-chan Record, error) {
	if sm.redis == nil {
		return nil, fmt.Errorf("registry has no redis connection")
	}

	pubsub := sm.redis.Subscribe(ctx, UpdatesChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	out := make(chan Record, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec Record
				if err := sonic.UnmarshalString(msg.Payload, &rec); err != nil {
					sm.log.Debug().Err(err).Msg("dropping malformed registry record")
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// CleanupStaleSessions drops ids from the active set whose hash has expired,
// e.g. after a client process died without finishing its session.
func (sm *Manager) CleanupStaleSessions(ctx context.Context) {
	if sm.redis == nil {
		return
	}

	ids, err := sm.redis.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		sm.log.Warn().Err(err).Msg("list active sessions")
		return
	}
	for _, id := range ids {
		exists, err := sm.redis.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			sm.redis.SRem(ctx, activeSessionsKey, id)
			sm.log.Debug().Str("session_id", id).Msg("removed stale session")
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of stale sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupStaleSessions(ctx)
		}
	}
}

// Shutdown releases the Redis connection
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for id := range sm.sessions {
		delete(sm.sessions, id)
	}

	if sm.redis != nil {
		_ = sm.redis.Close()
	}
}
