package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrWorkerClosed is returned for requests against a dead worker channel.
var ErrWorkerClosed = errors.New("media worker channel closed")

// request is one command sent to the worker over its control pipe.
type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Target string          `json:"targetId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// message is anything the worker sends back: a response (ID set) or a
// notification (Event set).
type message struct {
	ID     int64           `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Target string          `json:"targetId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// channel is the newline-delimited JSON control protocol with one worker
// process. Responses are matched to requests by id; notifications are routed
// to the handler registered for their target entity.
type channel struct {
	w      io.Writer
	nextID atomic.Int64
	log    *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan message
	handlers map[string]func(event string, data json.RawMessage)
	closed   bool
}

func newChannel(w io.Writer, r io.Reader, log *zap.Logger) *channel {
	c := &channel{
		w:        w,
		log:      log,
		pending:  make(map[int64]chan message),
		handlers: make(map[string]func(event string, data json.RawMessage)),
	}
	go c.readLoop(r)
	return c
}

// subscribe routes notifications for targetID to fn. Passing nil removes the
// route.
func (c *channel) subscribe(targetID string, fn func(event string, data json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.handlers, targetID)
		return
	}
	c.handlers[targetID] = fn
}

// request sends a command and waits for the matching response.
func (c *channel) request(ctx context.Context, method, target string, data interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", method, err)
		}
		raw = b
	}

	id := c.nextID.Add(1)
	req := request{ID: id, Method: method, Target: target, Data: raw}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	body = append(body, '\n')

	respCh := make(chan message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrWorkerClosed
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.w.Write(body)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrWorkerClosed
		}
		if !resp.OK {
			return nil, fmt.Errorf("worker %s: %s", method, resp.Error)
		}
		return resp.Data, nil
	}
}

func (c *channel) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.log.Warn("media worker sent malformed frame", zap.Error(err))
			continue
		}
		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		if msg.Event != "" {
			c.mu.Lock()
			fn := c.handlers[msg.Target]
			c.mu.Unlock()
			if fn != nil {
				fn(msg.Event, msg.Data)
			}
		}
	}
	c.close()
}

// close fails all in-flight requests. Idempotent.
func (c *channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan message)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}
