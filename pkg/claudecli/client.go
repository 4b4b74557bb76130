package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// maxLineBytes bounds a single stream-json line. Assistant messages can carry
// large tool results and base64 attachments.
const maxLineBytes = 10 * 1024 * 1024

// RequestHandler handles incoming control requests from the Claude CLI
// (can_use_tool permission prompts). Implementations answer by calling
// SendControlResponse with the matching request ID.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler receives every non-control message streamed by the CLI:
// the system/init handshake, assistant turns, user echoes, and the final
// result message.
type MessageHandler func(msg *CLIMessage)

// Client speaks the stream-json protocol with a Claude CLI subprocess.
// It reads newline-delimited JSON from the CLI's stdout and writes user
// messages and control responses to its stdin. Construction is over plain
// io interfaces so tests can drive it with in-memory pipes.
type Client struct {
	stdin  io.WriteCloser
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	mu     sync.RWMutex
	sendMu sync.Mutex

	done   chan struct{}
	closed chan struct{}
}

// NewClient creates a new stream-json client over the given pipes.
func NewClient(stdin io.WriteCloser, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "claudecli-client")),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for incoming control requests.
// Must be called before Start.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for streaming messages.
// Must be called before Start.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is ready.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop halts the read loop and closes the CLI's stdin. Closing stdin tells
// the CLI no further input is coming; a live CLI exits on its own after that.
func (c *Client) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
		// Already stopped
	default:
		close(c.done)
	}
	c.mu.Unlock()

	_ = c.stdin.Close()
}

// Done is closed once the read loop has exited, either because the CLI
// closed its stdout or because Stop was called.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// SendUserMessage writes a user message with the given content blocks to
// the CLI's stdin.
func (c *Client) SendUserMessage(blocks []ContentBlock) error {
	return c.send(NewUserMessage(blocks))
}

// SendControlResponse answers a control request from the CLI.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	// Writes are serialized: user messages and control responses may be
	// sent from different goroutines and must not interleave on the pipe.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("claudecli: sent message", zap.ByteString("data", data))
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.closed)

	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineBytes)

	c.logger.Debug("claudecli: read loop starting")
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("claudecli: read loop ended with error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("claudecli: failed to parse message",
			zap.Error(err),
			zap.Int("line_bytes", len(line)))
		return
	}

	c.logger.Debug("claudecli: received message",
		zap.String("type", msg.Type),
		zap.String("subtype", msg.Subtype))

	// Control requests (from the CLI to us, e.g. permission prompts)
	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	// Everything else goes to the message handler.
	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Warn("received control request but no handler registered",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		// Auto-deny if no handler
		if err := c.SendControlResponse(NewErrorResponse(requestID, "no handler registered")); err != nil {
			c.logger.Warn("failed to send error response", zap.Error(err))
		}
		return
	}

	handler(requestID, req)
}
