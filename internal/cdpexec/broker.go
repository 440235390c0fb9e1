package cdpexec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/cdpmux/internal/cdperr"
	"github.com/dgnsrekt/cdpmux/internal/journal"
	"github.com/dgnsrekt/cdpmux/internal/metrics"
)

const (
	DefaultRecvTimeout = 30 * time.Second

	// DrainPollInterval is how long Drain waits on each read before deciding
	// nothing more is immediately available.
	DrainPollInterval = 100 * time.Millisecond
)

// broker assigns command ids and correlates inbound frames, buffering the
// ones nobody has asked for yet per tab key.
type broker[K comparable] struct {
	conns       *connMux[K]
	journal     *journal.Writer
	recvTimeout time.Duration

	nextID  int64
	pending map[K][]Message
}

func newBroker[K comparable](conns *connMux[K], j *journal.Writer, recvTimeout time.Duration) *broker[K] {
	if recvTimeout <= 0 {
		recvTimeout = DefaultRecvTimeout
	}
	return &broker[K]{
		conns:       conns,
		journal:     j,
		recvTimeout: recvTimeout,
		pending:     make(map[K][]Message),
	}
}

func (b *broker[K]) send(ctx context.Context, key K, method string, params any) (int64, error) {
	if err := b.conns.alive(); err != nil {
		return 0, err
	}
	c, err := b.conns.ensureConnected(ctx, key)
	if err != nil {
		return 0, err
	}
	id := b.nextID
	data, err := encodeCommand(id, method, params)
	if err != nil {
		return 0, cdperr.New(cdperr.CodeValidation, "encode command", err)
	}
	if err := c.write(data, b.conns.timeout); err != nil {
		b.conns.markDropped(key)
		return 0, cdperr.New(cdperr.CodeCommunications,
			fmt.Sprintf("failure sending %s to tab %v (remote id %s)", method, key, c.tabID), err)
	}
	b.nextID++
	metrics.MessagesSent.Inc()
	slog.Debug("command sent", "tab_key", fmt.Sprint(key), "id", id, "method", method)
	_ = b.journal.Record(journal.DirectionSent, fmt.Sprint(key), string(c.tabID), &id, method, data)
	return id, nil
}

// recvFiltered returns the first buffered or newly read message accepted by
// filter. Rejected frames are buffered in arrival order. Reaching the
// deadline returns false with a nil error.
func (b *broker[K]) recvFiltered(ctx context.Context, key K, filter Filter, timeout time.Duration) (Message, bool, error) {
	if timeout <= 0 {
		timeout = b.recvTimeout
	}
	deadline := time.Now().Add(timeout)

	if err := b.conns.alive(); err != nil {
		return Message{}, false, err
	}
	c, err := b.conns.ensureConnected(ctx, key)
	if err != nil {
		return Message{}, false, err
	}

	queue := b.pending[key]
	for i, m := range queue {
		if filter(m) {
			b.pending[key] = append(queue[:i:i], queue[i+1:]...)
			metrics.MessagesBuffered.Dec()
			return m, true, nil
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return Message{}, false, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			metrics.ReceiveTimeouts.Inc()
			slog.Debug("receive timed out", "tab_key", fmt.Sprint(key), "timeout", timeout)
			return Message{}, false, nil
		}
		readDeadline := now.Add(b.conns.timeout)
		if deadline.Before(readDeadline) {
			readDeadline = deadline
		}
		m, ok, err := b.readOne(key, c, readDeadline)
		if err != nil {
			return Message{}, false, err
		}
		if !ok {
			continue
		}
		if filter(m) {
			return m, true, nil
		}
		b.pending[key] = append(b.pending[key], m)
		metrics.MessagesBuffered.Inc()
	}
}

// drain returns key's buffered messages followed by every frame readable
// without waiting longer than DrainPollInterval. On a read failure the
// messages collected so far are returned with the error.
func (b *broker[K]) drain(ctx context.Context, key K) ([]Message, error) {
	if err := b.conns.alive(); err != nil {
		return nil, err
	}
	c, err := b.conns.ensureConnected(ctx, key)
	if err != nil {
		return nil, err
	}

	out := b.pending[key]
	metrics.MessagesBuffered.Sub(float64(len(out)))
	delete(b.pending, key)

	for ctx.Err() == nil {
		m, ok, err := b.readOne(key, c, time.Now().Add(DrainPollInterval))
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, m)
	}
	return out, ctx.Err()
}

// readOne reads a single frame. A read timeout yields false with no error; a
// closed connection marks it dropped and is COMMUNICATIONS.
func (b *broker[K]) readOne(key K, c *tabConn, deadline time.Time) (Message, bool, error) {
	data, err := c.read(deadline)
	if err != nil {
		if isTimeout(err) {
			return Message{}, false, nil
		}
		b.conns.markDropped(key)
		return Message{}, false, cdperr.New(cdperr.CodeCommunications,
			fmt.Sprintf("connection to tab %v (remote id %s) closed; is the browser still running?", key, c.tabID), err)
	}
	metrics.MessagesReceived.Inc()
	m, err := decodeMessage(data)
	if err != nil {
		slog.Warn("undecodable frame", "tab_key", fmt.Sprint(key), "bytes", len(data), "error", err)
		m = Message{Raw: append([]byte(nil), data...)}
	}
	slog.Debug("message received", "tab_key", fmt.Sprint(key), "method", m.Method, "has_id", m.ID != nil)
	_ = b.journal.Record(journal.DirectionReceived, fmt.Sprint(key), string(c.tabID), m.ID, string(m.Method), data)
	return m, true, nil
}

// forget discards key's buffered messages.
func (b *broker[K]) forget(key K) {
	metrics.MessagesBuffered.Sub(float64(len(b.pending[key])))
	delete(b.pending, key)
}

func (b *broker[K]) buffered(key K) int { return len(b.pending[key]) }
