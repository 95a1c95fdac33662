// Package gateway bridges one player's session to a local UI: it pushes room
// views over WebSocket and applies the commands the UI sends back.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/events"
	"github.com/mcdev12/hotseat/go/internal/party/session"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	CommandTimeout   time.Duration
	GameConfig       models.GameConfig // Used when create_room carries none
	AllowedOrigins   []string
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		CommandTimeout:   30 * time.Second,
		GameConfig:       models.DefaultGameConfig(),
	}
}

// Service pushes session views to every connected UI tab and applies their
// commands.
type Service struct {
	session           *session.Session
	config            Config
	connectionManager *ConnectionManager
	stateHandler      *StateHandler
	health            *session.HealthHandler
	metrics           *session.PrometheusExporter

	watching chan struct{} // Closed once Start follows the session
}

// NewService creates a gateway for s.
func NewService(config Config, s *session.Session) *Service {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultConfig().CommandTimeout
	}
	svc := &Service{
		session:      s,
		config:       config,
		stateHandler: NewStateHandler(s),
		health:       session.NewHealthHandler(s),
		metrics:      session.NewPrometheusExporter(s),
		watching:     make(chan struct{}),
	}
	svc.connectionManager = NewConnectionManager(config.ConnectionConfig, svc.HandleCommand)
	svc.connectionManager.OnConnect(svc.greet)
	return svc
}

// Start forwards session views until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Str("player_id", string(s.session.PlayerID())).Msg("starting gateway service")

	go s.connectionManager.Start(ctx)

	views := s.session.Watch(ctx)
	close(s.watching)

	connected := true
	for v := range views {
		if v.Connected != connected {
			connected = v.Connected
			s.broadcast(events.TypeConnection, v.RoomID, s.connectionPayload(connected))
		}
		if v.Room == nil && !v.Deleted {
			continue
		}
		s.broadcast(events.TypeSnapshot, v.RoomID, SnapshotFromView(v, s.session.PlayerID()))
	}

	log.Info().Msg("gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket, state, health and metrics routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.HandleConnection)
	mux.HandleFunc("GET /api/stats", s.HandleStats)
	s.stateHandler.RegisterStateRoutes(mux)
	mux.Handle("GET /health", s.health)
	mux.Handle("GET /metrics", s.metrics)
	log.Info().Msg("gateway routes registered")
}

// Handler returns the bridge's routes wrapped in CORS.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CORSMiddleware(mux, s.config.AllowedOrigins)
}

// HandleConnection upgrades a UI connection
func (s *Service) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.connectionManager.UpgradeConnection(w, r); err != nil {
		// The upgrader has already written the HTTP error.
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
	}
}

// HandleStats returns statistics about the gateway service
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetStats())
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "hotseat_gateway"
	stats["player_id"] = string(s.session.PlayerID())
	stats["room_id"] = s.session.RoomID()
	return stats
}

// HandleCommand applies cmd and answers the originating connection with an
// ack, a rejection or an error.
func (s *Service) HandleCommand(ctx context.Context, c *Connection, cmd events.Command) {
	ctx, cancel := context.WithTimeout(ctx, s.config.CommandTimeout)
	defer cancel()

	roomID, err := s.apply(ctx, cmd)
	if err == nil {
		s.reply(c, events.TypeAck, roomID, events.AckPayload{CommandID: cmd.ID, Command: cmd.Type, RoomID: roomID})
		return
	}

	var rej *session.Rejection
	if errors.As(err, &rej) {
		s.reply(c, events.TypeRejection, s.session.RoomID(), events.RejectionPayload{
			CommandID: cmd.ID,
			Command:   cmd.Type,
			Code:      string(rej.Code),
			Message:   rej.Message,
		})
		return
	}

	log.Error().Err(err).Str("connection_id", c.ID).Str("command", string(cmd.Type)).Msg("command failed")
	s.reply(c, events.TypeError, s.session.RoomID(), events.ErrorPayload{
		CommandID: cmd.ID,
		Command:   cmd.Type,
		Message:   err.Error(),
	})
}

func (s *Service) apply(ctx context.Context, cmd events.Command) (string, error) {
	var err error
	switch cmd.Type {
	case events.CommandCreateRoom:
		cfg := s.config.GameConfig
		if cmd.Config != nil {
			cfg = *cmd.Config
		}
		return s.session.CreateRoom(ctx, cfg)
	case events.CommandJoinRoom:
		err = s.session.JoinRoom(ctx, cmd.RoomID)
	case events.CommandRejoin:
		err = s.session.Rejoin(ctx, cmd.RoomID)
	case events.CommandLeaveRoom:
		roomID := s.session.RoomID()
		return roomID, s.session.LeaveRoom(ctx)
	case events.CommandVote:
		err = s.session.SubmitVote(ctx, cmd.Choice, cmd.Strategy)
	case events.CommandAttack:
		err = s.session.ChooseAttack(ctx, cmd.Target)
	case events.CommandSkip:
		err = s.session.SkipAttack(ctx)
	case events.CommandDrawReward:
		err = s.session.DrawReward(ctx, cmd.Card)
	case events.CommandReady:
		err = s.session.SetReady(ctx)
	case events.CommandConfirmPopup:
		err = s.session.ConfirmPopup(ctx)
	case events.CommandForceAdvance:
		err = s.session.ForceAdvance(ctx)
	case events.CommandRestart:
		err = s.session.Restart(ctx)
	case events.CommandRematch:
		err = s.session.Rematch(ctx)
	case events.CommandDeleteRoom:
		roomID := s.session.RoomID()
		return roomID, s.session.DeleteRoom(ctx)
	default:
		return "", errors.New("unsupported command " + string(cmd.Type))
	}
	return s.session.RoomID(), err
}

// greet sends a new tab the connection state and the current view.
func (s *Service) greet(c *Connection) {
	v := s.session.View()
	s.reply(c, events.TypeConnection, v.RoomID, s.connectionPayload(v.Connected))
	if v.Room != nil {
		s.reply(c, events.TypeSnapshot, v.RoomID, SnapshotFromView(v, s.session.PlayerID()))
	}
}

func (s *Service) connectionPayload(connected bool) events.ConnectionPayload {
	return events.ConnectionPayload{
		PlayerID:  string(s.session.PlayerID()),
		Connected: connected,
		Clients:   s.connectionManager.Count(),
	}
}

func (s *Service) broadcast(t events.MessageType, roomID string, payload any) {
	msg, err := events.NewMessage(t, roomID, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build message")
		return
	}
	s.connectionManager.Broadcast(msg)
}

func (s *Service) reply(c *Connection, t events.MessageType, roomID string, payload any) {
	msg, err := events.NewMessage(t, roomID, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build message")
		return
	}
	s.connectionManager.SendTo(c.ID, msg)
}
