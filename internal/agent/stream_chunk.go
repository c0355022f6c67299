package agent

import "fmt"

// StreamChunk is the wire-facing, index-based streaming unit the gateway
// sends to clients. Unlike CompletionChunk (which a provider adapter uses
// internally to assemble a complete models.ToolCall before handing it to
// the tool-exec runtime), StreamChunk exposes tool-call arguments as they
// arrive so a client UI can render a tool call incrementally.
//
// For each index, exactly one ToolCallStart is emitted, zero or more
// ToolCallDelta, and exactly one ToolCallEnd — unless the stream ends in
// Error first. Concatenating every ToolCallDelta.ArgsJSONFragment for an
// index yields a string that parses as JSON; nothing in this package
// parses it mid-stream.
type StreamChunk struct {
	Text          string
	ToolCallStart *ToolCallStart
	ToolCallDelta *ToolCallDelta
	ToolCallEnd   *ToolCallEnd
	Usage         *StreamUsage
	FinishReason  string
	Err           error
	Done          bool
}

type ToolCallStart struct {
	Index int
	ID    string
	Name  string
}

type ToolCallDelta struct {
	Index            int
	ArgsJSONFragment string
}

type ToolCallEnd struct {
	Index int
}

type StreamUsage struct {
	InputTokens  int
	OutputTokens int
}

func (c StreamChunk) String() string {
	switch {
	case c.Err != nil:
		return fmt.Sprintf("StreamChunk(error=%v)", c.Err)
	case c.ToolCallStart != nil:
		return fmt.Sprintf("StreamChunk(tool_call_start idx=%d name=%s)", c.ToolCallStart.Index, c.ToolCallStart.Name)
	case c.ToolCallDelta != nil:
		return fmt.Sprintf("StreamChunk(tool_call_delta idx=%d)", c.ToolCallDelta.Index)
	case c.ToolCallEnd != nil:
		return fmt.Sprintf("StreamChunk(tool_call_end idx=%d)", c.ToolCallEnd.Index)
	case c.Done:
		return "StreamChunk(done)"
	default:
		return fmt.Sprintf("StreamChunk(text=%q)", c.Text)
	}
}

// ChunksFromCompletion converts a provider's CompletionChunk stream into
// index-based StreamChunks. Providers that only assemble a complete
// ToolCall (no incremental Index/ToolCallArgsFragment fields set) still
// produce valid output: the adapter synthesizes a single
// Start+Delta+End triple from the finished call. Providers that do set
// the incremental fields (see CompletionChunk doc) get true per-fragment
// streaming all the way to the wire.
func ChunksFromCompletion(in <-chan *CompletionChunk) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		nextIndex := 0
		openIndexByID := map[string]int{}
		for c := range in {
			switch {
			case c.Error != nil:
				out <- StreamChunk{Err: c.Error}
				return
			case c.Text != "":
				out <- StreamChunk{Text: c.Text}
			case c.ToolCallStartIndex != nil:
				idx := *c.ToolCallStartIndex
				openIndexByID[c.ToolCallID] = idx
				out <- StreamChunk{ToolCallStart: &ToolCallStart{Index: idx, ID: c.ToolCallID, Name: c.ToolCallName}}
			case c.ToolCallArgsFragment != "":
				idx, ok := openIndexByID[c.ToolCallID]
				if !ok {
					idx = nextIndex
				}
				out <- StreamChunk{ToolCallDelta: &ToolCallDelta{Index: idx, ArgsJSONFragment: c.ToolCallArgsFragment}}
			case c.ToolCallEndID != "":
				idx, ok := openIndexByID[c.ToolCallEndID]
				if !ok {
					idx = nextIndex
				}
				out <- StreamChunk{ToolCallEnd: &ToolCallEnd{Index: idx}}
				delete(openIndexByID, c.ToolCallEndID)
				nextIndex = idx + 1
			case c.ToolCall != nil:
				if idx, ok := openIndexByID[c.ToolCall.ID]; ok {
					// Already streamed incrementally (start+deltas already
					// emitted by the adapter) — this chunk just finalizes.
					out <- StreamChunk{ToolCallEnd: &ToolCallEnd{Index: idx}}
					delete(openIndexByID, c.ToolCall.ID)
					if idx >= nextIndex {
						nextIndex = idx + 1
					}
					continue
				}
				// No incremental fields were emitted: synthesize a single
				// Start+Delta+End triple from the finished call.
				idx := nextIndex
				nextIndex++
				out <- StreamChunk{ToolCallStart: &ToolCallStart{Index: idx, ID: c.ToolCall.ID, Name: c.ToolCall.Name}}
				out <- StreamChunk{ToolCallDelta: &ToolCallDelta{Index: idx, ArgsJSONFragment: string(c.ToolCall.Input)}}
				out <- StreamChunk{ToolCallEnd: &ToolCallEnd{Index: idx}}
			case c.Done:
				if c.InputTokens > 0 || c.OutputTokens > 0 {
					out <- StreamChunk{Usage: &StreamUsage{InputTokens: c.InputTokens, OutputTokens: c.OutputTokens}}
				}
				if c.FinishReason != "" {
					out <- StreamChunk{FinishReason: c.FinishReason}
				}
				out <- StreamChunk{Done: true}
				return
			}
		}
	}()
	return out
}
