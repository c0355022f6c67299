// Package gateway provides the main RustyClaw gateway server.
//
// ws_handler.go upgrades /ws to a websocket and hands it to
// internal/connection, which drives the Hello/unlock/TOTP handshake and
// then routes Chat/ToolApproval frames to the agent runtime.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rustyclaw/gateway/internal/connection"
)

const (
	wsPongWait  = 45 * time.Second
	wsWriteWait = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleWS upgrades the HTTP request to a websocket and runs one
// connection.Connection over it until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
		}
		return
	}

	runtime, err := s.ensureRuntime(r.Context())
	if err != nil {
		if s.logger != nil {
			s.logger.Error("websocket connection rejected: runtime unavailable", "error", err)
		}
		conn.Close()
		return
	}

	connID := uuid.NewString()
	agentID := s.config.Session.DefaultAgentID
	if agentID == "" {
		agentID = defaultAgentID
	}

	chatEngine := connection.NewRuntimeChatEngine(runtime, s.sessions, s.approvalChecker, agentID)

	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := connection.Config{
		ID:              connID,
		Transport:       connection.NewWebsocketTransport(conn, wsPongWait, wsWriteWait),
		VaultAccount:    s.vaultAccount,
		ChatEngine:      chatEngine,
		ServerName:      "rustyclaw-gateway",
		ProtocolVersion: 1,
		Logger:          logger,
	}
	// s.vault is a *vault.Vault; only wrap it in the VaultGate interface
	// when non-nil, otherwise cfg.Vault would hold a typed-nil interface
	// that compares non-nil and panics on first use.
	if s.vault != nil {
		cfg.Vault = s.vault
		cfg.RequireUnlock = true
	}

	c := connection.New(cfg)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := c.Run(ctx); err != nil && logger != nil {
		logger.Debug("websocket connection closed", "conn", connID, "error", err)
	}
}
