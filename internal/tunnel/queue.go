package tunnel

import (
	"context"
	"sync"

	"revsocks_go/internal/shared/protocol"
)

// Queue 是一个命名管道背后的无界 FIFO，可被多个生产者和消费者并发使用。
type Queue struct {
	mu    sync.Mutex
	items []*protocol.Message
	// wake 在每次入队时被关闭并替换，用于唤醒等待中的 Next
	wake chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{})}
}

func (q *Queue) Enqueue(msg *protocol.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Requeue 把投递失败的消息放回队首
func (q *Queue) Requeue(msg *protocol.Message) {
	q.mu.Lock()
	q.items = append([]*protocol.Message{msg}, q.items...)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Dequeue 取出最早的消息，队列为空时立即返回 false。
func (q *Queue) Dequeue() (*protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (*protocol.Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return msg, true
}

// Next 等待直到有消息可取或 ctx 结束。
func (q *Queue) Next(ctx context.Context) (*protocol.Message, error) {
	for {
		q.mu.Lock()
		msg, ok := q.popLocked()
		wake := q.wake
		q.mu.Unlock()
		if ok {
			return msg, nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Hub 按名字管理管道，首次访问时创建。
type Hub struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

func NewHub() *Hub {
	return &Hub{queues: make(map[string]*Queue)}
}

func (h *Hub) Queue(name string) *Queue {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[name]
	if !ok {
		q = NewQueue()
		h.queues[name] = q
	}
	return q
}
