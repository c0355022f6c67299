// Package connection drives one gateway client connection through its
// handshake and chat lifecycle: Hello/HelloAck, an optional vault unlock
// and TOTP step, then Chat frames routed to the agent runtime until the
// transport closes. It is transport-agnostic — Transport abstracts the
// underlying websocket so the state machine can be driven by tests
// without a real network socket.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rustyclaw/gateway/internal/protocol"
	"github.com/rustyclaw/gateway/internal/vault"
)

// State is the connection's position in the handshake/chat lifecycle,
// mirroring the five states a client walks through: Opened, Greeted,
// AwaitingUnlock, AwaitingTotp, Ready.
type State string

const (
	StateOpened         State = "opened"
	StateGreeted        State = "greeted"
	StateAwaitingUnlock State = "awaiting_unlock"
	StateAwaitingTotp   State = "awaiting_totp"
	StateReady          State = "ready"
	StateClosed         State = "closed"
)

// maxTOTPFailures bounds consecutive bad codes during AwaitingTotp before
// the connection is closed; VerifyTOTP itself has no lockout (unlike
// Vault.Unlock), so this connection owns that counter.
const maxTOTPFailures = 5

// Transport is the minimal surface a connection needs from its socket:
// read one binary message, write one, and close. gorilla/websocket's
// *websocket.Conn satisfies this directly via wsTransport.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// ChatEngine runs one user turn to completion, emitting frames to send
// back to the client as it goes (StreamStart/Chunk/ToolCall/ToolResult/
// ToolApprovalRequest/ResponseDone). It owns the agent runtime and
// session store so Connection stays free of agent-package specifics.
type ChatEngine interface {
	HandleChat(ctx context.Context, sessionKey, content string, send func(protocol.FrameType, any) error) error
	HandleToolApproval(ctx context.Context, requestID string, approve bool, decidedBy string) error
}

// VaultGate is the subset of *vault.Vault a connection needs to run the
// AwaitingUnlock/AwaitingTotp steps; accepting an interface keeps this
// package's tests free of real Argon2id/NaCl work.
type VaultGate interface {
	IsLocked() bool
	HasPassword() bool
	Unlock(password string) error
	HasTOTP(account string) bool
	VerifyTOTP(ctx context.Context, account, code, sessionID string) (bool, error)
}

// Config configures one Connection.
type Config struct {
	ID              string
	Transport       Transport
	Vault           VaultGate
	VaultAccount    string // account name TOTP is checked against, e.g. "operator"
	RequireUnlock   bool
	ChatEngine      ChatEngine
	ServerName      string
	ServerVersion   string
	ProtocolVersion int
	Logger          *slog.Logger
	IdleTimeout     time.Duration
}

// Connection runs the per-socket state machine until the transport
// closes or the context is cancelled.
type Connection struct {
	cfg   Config
	state State

	mu            sync.Mutex
	sessionKey    string
	totpFailures  int
	activeRunCtx  context.CancelFunc
	closed        bool
}

// New constructs a Connection in the Opened state.
func New(cfg Config) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = 1
	}
	return &Connection{cfg: cfg, state: StateOpened}
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// send encodes and writes one frame.
func (c *Connection) send(t protocol.FrameType, v any) error {
	raw, err := protocol.Encode(t, v)
	if err != nil {
		return err
	}
	return c.cfg.Transport.WriteMessage(raw)
}

// sendError sends an Error frame and logs it.
func (c *Connection) sendError(code, message string) {
	if err := c.send(protocol.FrameError, ErrorPayload{Code: code, Message: message}); err != nil {
		c.cfg.Logger.Warn("failed to send error frame", "error", err, "conn", c.cfg.ID)
	}
}

// Run drives the connection loop until the transport closes, the context
// is cancelled, or a fatal protocol error occurs. It always attempts to
// close the transport before returning.
func (c *Connection) Run(ctx context.Context) error {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := c.cfg.Transport.ReadMessage()
		if err != nil {
			if c.closedByUs() {
				return nil
			}
			return fmt.Errorf("connection: read: %w", err)
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			c.sendError("bad_frame", err.Error())
			continue
		}

		if err := c.dispatch(ctx, frame); err != nil {
			if errors.Is(err, errCloseConnection) {
				return nil
			}
			c.cfg.Logger.Error("connection: dispatch error", "error", err, "conn", c.cfg.ID, "frame", frame.Type)
			c.sendError("internal_error", "failed to process frame")
		}
	}
}

var errCloseConnection = errors.New("connection: close requested")

func (c *Connection) closedByUs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close marks the connection closed and releases the transport. Safe to
// call multiple times.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	cancel := c.activeRunCtx
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.cfg.Transport.Close()
}

// dispatch routes one decoded frame according to the current state.
func (c *Connection) dispatch(ctx context.Context, frame protocol.Frame) error {
	state := c.State()

	// Control frames are accepted in any state; everything else is
	// state-gated per the handshake order in the wire protocol.
	if frame.Type == protocol.FrameControl {
		return c.handleControl(frame)
	}

	switch state {
	case StateOpened:
		if frame.Type != protocol.FrameHello {
			c.sendError("protocol_error", "expected hello frame")
			return nil
		}
		return c.handleHello(frame)

	case StateGreeted:
		if frame.Type != protocol.FrameUnlockVault {
			c.sendError("protocol_error", "expected unlock_vault frame")
			return nil
		}
		return c.handleUnlockVault(ctx, frame)

	case StateAwaitingUnlock:
		if frame.Type != protocol.FrameUnlockVault {
			c.sendError("protocol_error", "expected unlock_vault frame")
			return nil
		}
		return c.handleUnlockVault(ctx, frame)

	case StateAwaitingTotp:
		if frame.Type != protocol.FrameAuthResponse {
			c.sendError("protocol_error", "expected auth_response frame")
			return nil
		}
		return c.handleAuthResponse(ctx, frame)

	case StateReady:
		return c.handleReadyFrame(ctx, frame)

	default:
		c.sendError("protocol_error", "connection is closed")
		return errCloseConnection
	}
}

func (c *Connection) handleControl(frame protocol.Frame) error {
	return c.send(protocol.FrameStatus, StatusPayload{State: string(c.State()), Timestamp: time.Now()})
}

// handleHello replies with HelloAck and transitions to Greeted, or
// directly to the appropriate auth state if no vault gating is needed.
func (c *Connection) handleHello(frame protocol.Frame) error {
	var hello HelloPayload
	if err := frame.Unmarshal(&hello); err != nil {
		c.sendError("bad_frame", "invalid hello payload")
		return nil
	}

	ack := HelloAckPayload{
		ProtocolVersion: c.cfg.ProtocolVersion,
		ServerName:      c.cfg.ServerName,
		ServerVersion:   c.cfg.ServerVersion,
	}

	needsUnlock := c.cfg.RequireUnlock && c.cfg.Vault != nil && c.cfg.Vault.IsLocked()
	needsTOTP := c.cfg.Vault != nil && c.cfg.Vault.HasTOTP(c.cfg.VaultAccount)

	ack.RequiresUnlock = needsUnlock
	ack.RequiresTOTP = needsTOTP && needsUnlock
	ack.VaultAccount = c.cfg.VaultAccount

	if err := c.send(protocol.FrameHelloAck, ack); err != nil {
		return err
	}

	switch {
	case needsUnlock:
		c.setState(StateAwaitingUnlock)
	default:
		c.setState(StateReady)
	}
	return nil
}

// handleUnlockVault verifies the master password. Vault.Unlock owns its
// own 5-failure/15-minute lockout, so this handler only relays the
// outcome and decides the next state.
func (c *Connection) handleUnlockVault(ctx context.Context, frame protocol.Frame) error {
	var req UnlockVaultPayload
	if err := frame.Unmarshal(&req); err != nil {
		c.sendError("bad_frame", "invalid unlock_vault payload")
		return nil
	}

	err := c.cfg.Vault.Unlock(req.Password)
	if err != nil {
		_ = c.send(protocol.FrameAuthResult, AuthResultPayload{OK: false, Retry: true, Reason: "wrong password"})
		return nil
	}

	needsTOTP := c.cfg.Vault.HasTOTP(c.cfg.VaultAccount)
	if err := c.send(protocol.FrameVaultUnlocked, VaultUnlockedPayload{RequiresTOTP: needsTOTP}); err != nil {
		return err
	}
	_ = c.send(protocol.FrameAuthResult, AuthResultPayload{OK: true})

	if needsTOTP {
		c.setState(StateAwaitingTotp)
		return nil
	}
	c.setState(StateReady)
	return nil
}

// handleAuthResponse verifies a TOTP code. VerifyTOTP has no built-in
// lockout, so the connection tracks consecutive failures itself and
// closes after maxTOTPFailures.
func (c *Connection) handleAuthResponse(ctx context.Context, frame protocol.Frame) error {
	var req AuthResponsePayload
	if err := frame.Unmarshal(&req); err != nil {
		c.sendError("bad_frame", "invalid auth_response payload")
		return nil
	}

	ok, err := c.cfg.Vault.VerifyTOTP(ctx, c.cfg.VaultAccount, req.Code, c.cfg.ID)
	if err != nil || !ok {
		c.mu.Lock()
		c.totpFailures++
		failures := c.totpFailures
		c.mu.Unlock()

		if failures >= maxTOTPFailures {
			_ = c.send(protocol.FrameAuthResult, AuthResultPayload{OK: false, Retry: false, Reason: "too many failed codes"})
			return errCloseConnection
		}
		_ = c.send(protocol.FrameAuthResult, AuthResultPayload{OK: false, Retry: true, Reason: "invalid code"})
		return nil
	}

	if err := c.send(protocol.FrameAuthResult, AuthResultPayload{OK: true}); err != nil {
		return err
	}
	c.setState(StateReady)
	return nil
}

// handleReadyFrame routes Chat and ToolApproval frames once the
// connection has completed its handshake.
func (c *Connection) handleReadyFrame(ctx context.Context, frame protocol.Frame) error {
	switch frame.Type {
	case protocol.FrameChat:
		return c.handleChat(ctx, frame)
	case protocol.FrameToolApproval:
		return c.handleToolApproval(ctx, frame)
	default:
		c.sendError("protocol_error", fmt.Sprintf("unexpected frame %s in ready state", frame.Type))
		return nil
	}
}

func (c *Connection) handleChat(ctx context.Context, frame protocol.Frame) error {
	var req ChatSendPayload
	if err := frame.Unmarshal(&req); err != nil {
		c.sendError("bad_frame", "invalid chat payload")
		return nil
	}
	if c.cfg.ChatEngine == nil {
		c.sendError("unavailable", "chat engine not configured")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.activeRunCtx = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.activeRunCtx = nil
		c.mu.Unlock()
	}()

	if err := c.cfg.ChatEngine.HandleChat(runCtx, req.SessionKey, req.Content, c.send); err != nil {
		c.sendError("run_failed", err.Error())
	}
	return nil
}

func (c *Connection) handleToolApproval(ctx context.Context, frame protocol.Frame) error {
	var req ToolApprovalPayload
	if err := frame.Unmarshal(&req); err != nil {
		c.sendError("bad_frame", "invalid tool_approval payload")
		return nil
	}
	if c.cfg.ChatEngine == nil {
		c.sendError("unavailable", "chat engine not configured")
		return nil
	}
	if err := c.cfg.ChatEngine.HandleToolApproval(ctx, req.RequestID, req.Approve, c.cfg.ID); err != nil {
		c.sendError("approval_failed", err.Error())
	}
	return nil
}

// ensure VaultGate is satisfiable by *vault.Vault at compile time.
var _ VaultGate = (*vault.Vault)(nil)
