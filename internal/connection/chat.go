package connection

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rustyclaw/gateway/internal/agent"
	"github.com/rustyclaw/gateway/internal/protocol"
	"github.com/rustyclaw/gateway/internal/sessions"
	"github.com/rustyclaw/gateway/pkg/models"
)

// RuntimeChatEngine adapts internal/agent.Runtime and its ApprovalChecker
// to the ChatEngine interface, translating one user turn's ResponseChunk
// stream into the wire protocol's StreamStart/Chunk/ToolCall/ToolResult/
// ToolApprovalRequest/ResponseDone frames.
type RuntimeChatEngine struct {
	Runtime         *agent.Runtime
	Sessions        sessions.Store
	ApprovalChecker *agent.ApprovalChecker
	AgentID         string
}

// NewRuntimeChatEngine builds a ChatEngine backed by an existing runtime.
func NewRuntimeChatEngine(runtime *agent.Runtime, store sessions.Store, checker *agent.ApprovalChecker, agentID string) *RuntimeChatEngine {
	return &RuntimeChatEngine{Runtime: runtime, Sessions: store, ApprovalChecker: checker, AgentID: agentID}
}

// HandleChat resolves sessionKey to a session, appends the inbound
// message, runs it through the agent runtime, and streams frames back via
// send until the run completes or the context is cancelled.
func (e *RuntimeChatEngine) HandleChat(ctx context.Context, sessionKey, content string, send func(protocol.FrameType, any) error) error {
	if e.Runtime == nil || e.Sessions == nil {
		return fmt.Errorf("chat engine not fully configured")
	}

	agentID := e.AgentID
	if agentID == "" {
		agentID = "default"
	}
	channelID := sessionKey
	if channelID == "" {
		channelID = uuid.NewString()
	}
	key := sessionKey
	if key == "" {
		key = sessions.SessionKey(agentID, models.ChannelGateway, channelID)
	}

	session, err := e.Sessions.GetOrCreate(ctx, key, agentID, models.ChannelGateway, channelID)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content,
	}
	if err := e.Sessions.AppendMessage(ctx, session.ID, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	runID := session.ID + "-" + msg.ID
	if err := send(protocol.FrameStreamStart, StreamStartPayload{RunID: runID, SessionID: session.ID}); err != nil {
		return err
	}

	chunks, err := e.Runtime.Process(ctx, session, msg)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	var finishReason string
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			_ = send(protocol.FrameError, ErrorPayload{Code: "run_error", Message: chunk.Error.Error()})
			finishReason = "error"
			continue
		}
		if chunk.Text != "" {
			if err := send(protocol.FrameChunk, ChunkPayload{Text: chunk.Text}); err != nil {
				return err
			}
		}
		if chunk.ToolEvent != nil {
			if err := e.sendToolEvent(send, chunk.ToolEvent); err != nil {
				return err
			}
		}
		if chunk.ToolResult != nil {
			if err := send(protocol.FrameToolResult, ToolResultPayload{
				CallID:     chunk.ToolResult.ToolCallID,
				Success:    !chunk.ToolResult.IsError,
				ResultJSON: chunk.ToolResult.Content,
			}); err != nil {
				return err
			}
		}
	}

	return send(protocol.FrameResponseDone, ResponseDonePayload{RunID: runID, FinishReason: finishReason})
}

// sendToolEvent maps a models.ToolEvent's stage to the appropriate
// client-facing frame.
func (e *RuntimeChatEngine) sendToolEvent(send func(protocol.FrameType, any) error, ev *models.ToolEvent) error {
	switch ev.Stage {
	case models.ToolEventStarted, models.ToolEventRequested, models.ToolEventRetrying:
		return send(protocol.FrameToolCall, ToolCallPayload{
			CallID:   ev.ToolCallID,
			Name:     ev.ToolName,
			ArgsJSON: string(ev.Input),
		})
	case models.ToolEventApprovalRequired:
		return send(protocol.FrameToolApprovalRequest, ToolApprovalRequestPayload{
			RequestID: ev.ToolCallID,
			ToolName:  ev.ToolName,
			ArgsJSON:  string(ev.Input),
			Reason:    ev.PolicyReason,
		})
	case models.ToolEventDenied, models.ToolEventFailed:
		return send(protocol.FrameToolResult, ToolResultPayload{
			CallID:     ev.ToolCallID,
			Success:    false,
			ResultJSON: ev.Error,
		})
	case models.ToolEventSucceeded:
		return send(protocol.FrameToolResult, ToolResultPayload{
			CallID:     ev.ToolCallID,
			Success:    true,
			ResultJSON: ev.Output,
		})
	default:
		return nil
	}
}

// HandleToolApproval relays the client's decision to the runtime's
// ApprovalChecker so a pending tool call can proceed on the next turn.
func (e *RuntimeChatEngine) HandleToolApproval(ctx context.Context, requestID string, approve bool, decidedBy string) error {
	if e.ApprovalChecker == nil {
		return fmt.Errorf("approvals are not configured for this gateway")
	}
	if approve {
		return e.ApprovalChecker.Approve(ctx, requestID, decidedBy)
	}
	return e.ApprovalChecker.Deny(ctx, requestID, decidedBy)
}
