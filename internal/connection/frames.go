// Package connection implements the gateway's per-connection handshake and
// chat state machine described in the wire protocol: a client opens one
// websocket, exchanges a Hello/HelloAck pair, unlocks the credential vault
// (with an optional TOTP step) if the deployment requires it, and only then
// may send Chat frames. The frame envelope itself (type byte + length +
// JSON body) is handled by internal/protocol; this package owns the state
// machine and the JSON shape of each frame's body.
package connection

import "time"

// HelloPayload is the first frame a client sends after the socket opens.
type HelloPayload struct {
	ProtocolVersion int    `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	ClientVersion   string `json:"client_version,omitempty"`
}

// HelloAckPayload is the server's reply to Hello, naming the protocol
// version it will speak and whether the client must unlock a vault (and
// pass TOTP) before Chat frames are accepted.
type HelloAckPayload struct {
	ProtocolVersion  int    `json:"protocol_version"`
	ServerName       string `json:"server_name"`
	ServerVersion    string `json:"server_version"`
	RequiresUnlock   bool   `json:"requires_unlock"`
	RequiresTOTP     bool   `json:"requires_totp"`
	VaultAccount     string `json:"vault_account,omitempty"`
}

// UnlockVaultPayload carries the operator's master password.
type UnlockVaultPayload struct {
	Password string `json:"password"`
}

// VaultUnlockedPayload confirms a successful vault unlock and whether a
// further TOTP step is still required before the connection reaches Ready.
type VaultUnlockedPayload struct {
	RequiresTOTP bool `json:"requires_totp"`
}

// AuthResponsePayload carries a TOTP code during AwaitingTotp.
type AuthResponsePayload struct {
	Code string `json:"code"`
}

// AuthResultPayload reports the outcome of a vault-unlock or TOTP attempt.
// Retry is false once the connection has been closed for too many failed
// attempts; the server sends AuthResult{OK:false} then closes the socket.
type AuthResultPayload struct {
	OK      bool   `json:"ok"`
	Retry   bool   `json:"retry"`
	Reason  string `json:"reason,omitempty"`
}

// ChatSendPayload is a user turn submitted once the connection is Ready.
type ChatSendPayload struct {
	SessionKey string `json:"session_key"`
	Content    string `json:"content"`
}

// StreamStartPayload announces the beginning of one agent run's reply.
type StreamStartPayload struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// ChunkPayload carries one incremental piece of the assistant's reply,
// mirroring agent.StreamChunk's index-addressed tool-call deltas.
type ChunkPayload struct {
	Text             string `json:"text,omitempty"`
	ToolCallIndex    *int   `json:"tool_call_index,omitempty"`
	ToolCallID       string `json:"tool_call_id,omitempty"`
	ToolCallName     string `json:"tool_call_name,omitempty"`
	ToolCallArgsJSON string `json:"tool_call_args_json,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
}

// ToolCallPayload notifies the client that a tool started executing.
type ToolCallPayload struct {
	CallID   string `json:"call_id"`
	Name     string `json:"name"`
	ArgsJSON string `json:"args_json,omitempty"`
}

// ToolResultPayload reports a finished tool execution.
type ToolResultPayload struct {
	CallID     string `json:"call_id"`
	Success    bool   `json:"success"`
	ResultJSON string `json:"result_json,omitempty"`
}

// ToolApprovalRequestPayload asks the client to approve or deny a pending
// tool call before the run can continue.
type ToolApprovalRequestPayload struct {
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	ArgsJSON  string `json:"args_json,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ToolApprovalPayload is the client's decision on a ToolApprovalRequest.
type ToolApprovalPayload struct {
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
}

// ResponseDonePayload closes out a run.
type ResponseDonePayload struct {
	RunID        string `json:"run_id"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ErrorPayload is a terminal or informational error sent to the client.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StatusPayload reports coarse connection/session state, sent on request
// or after state transitions the client should observe.
type StatusPayload struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// InfoPayload carries a free-form informational message (e.g. reload
// results, housekeeping notices) that doesn't fit a more specific frame.
type InfoPayload struct {
	Message string `json:"message"`
}
