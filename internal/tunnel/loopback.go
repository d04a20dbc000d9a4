package tunnel

import (
	"context"
	"errors"
	"time"

	"revsocks_go/internal/shared/protocol"
)

// Loopback 是进程内的 Transport，直接读写 Hub 并投递给 Sink，用于同进程部署和测试。
// 消息仍经过 Codec 编解码，与线上路径保持一致。
type Loopback struct {
	hub   *Hub
	sink  Sink
	codec *Codec
	wait  time.Duration
}

func NewLoopback(hub *Hub, sink Sink, codec *Codec, wait time.Duration) *Loopback {
	return &Loopback{hub: hub, sink: sink, codec: codec, wait: wait}
}

func (l *Loopback) Poll(ctx context.Context, pipe string) (*protocol.Message, error) {
	q := l.hub.Queue(pipe)
	var msg *protocol.Message
	if l.wait <= 0 {
		m, ok := q.Dequeue()
		if !ok {
			return nil, nil
		}
		msg = m
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, l.wait)
		m, err := q.Next(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, err
		}
		msg = m
	}
	return l.roundTrip(msg)
}

func (l *Loopback) Deliver(_ context.Context, pipe string, msg *protocol.Message) error {
	m, err := l.roundTrip(msg)
	if err != nil {
		return err
	}
	return l.sink.Deliver(pipe, m)
}

func (l *Loopback) roundTrip(msg *protocol.Message) (*protocol.Message, error) {
	b, err := l.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	return l.codec.Decode(b)
}

func (l *Loopback) Close() error { return nil }
