package tunnel

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"revsocks_go/internal/shared/protocol"
)

func newMsg(status protocol.Status, payload string) *protocol.Message {
	return &protocol.Message{CircuitID: uuid.New(), Status: status, Payload: []byte(payload)}
}

func TestQueue_FIFOPerProducer(t *testing.T) {
	q := NewQueue()
	const producers, perProducer = 8, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			id := uuid.New()
			id[0] = byte(p)
			for i := 0; i < perProducer; i++ {
				q.Enqueue(&protocol.Message{CircuitID: id, Status: protocol.StatusOk, Payload: []byte{byte(i >> 8), byte(i)}})
			}
		}(p)
	}
	wg.Wait()
	require.Equal(t, producers*perProducer, q.Len())

	// 同一生产者的消息保持入队顺序
	last := map[byte]int{}
	for {
		msg, ok := q.Dequeue()
		if !ok {
			break
		}
		seq := int(msg.Payload[0])<<8 | int(msg.Payload[1])
		prev, seen := last[msg.CircuitID[0]]
		if seen {
			require.Equal(t, prev+1, seq)
		}
		last[msg.CircuitID[0]] = seq
	}
	require.Len(t, last, producers)
}

func TestQueue_NextBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	want := newMsg(protocol.StatusOk, "late")

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Enqueue(want)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := q.Next(ctx)
	require.NoError(t, err)
	require.Same(t, want, got)
}

func TestQueue_NextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewQueue().Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_RequeueGoesFirst(t *testing.T) {
	q := NewQueue()
	a, b := newMsg(protocol.StatusOk, "a"), newMsg(protocol.StatusOk, "b")
	q.Enqueue(b)
	q.Requeue(a)

	got, ok := q.Dequeue()
	require.True(t, ok)
	require.Same(t, a, got)
	got, ok = q.Dequeue()
	require.True(t, ok)
	require.Same(t, b, got)
	_, ok = q.Dequeue()
	require.False(t, ok)
}

func TestHub_SameNameSameQueue(t *testing.T) {
	h := NewHub()
	require.Same(t, h.Queue("socks"), h.Queue("socks"))
	require.NotSame(t, h.Queue("socks"), h.Queue("other"))
}

func TestCodec_SealedRoundTrip(t *testing.T) {
	codec, err := NewCodec("shared-secret")
	require.NoError(t, err)
	msg := newMsg(protocol.StatusNewConnection, "\x05\x01\x00\x01")

	b, err := codec.Encode(msg)
	require.NoError(t, err)
	require.False(t, bytes.Contains(b, msg.Payload))

	got, err := codec.Decode(b)
	require.NoError(t, err)
	require.Equal(t, msg.CircuitID, got.CircuitID)
	require.Equal(t, msg.Payload, got.Payload)

	other, err := NewCodec("another-secret")
	require.NoError(t, err)
	_, err = other.Decode(b)
	require.Error(t, err)
}

// recordingSink 记录投递到网关的消息
type recordingSink struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	got  chan struct{}
}

func newRecordingSink() *recordingSink { return &recordingSink{got: make(chan struct{}, 64)} }

func (s *recordingSink) Deliver(_ string, msg *protocol.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *recordingSink) wait(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[len(s.msgs)-1]
}

func newTestServer(t *testing.T, secret string, pollWait time.Duration) (*Hub, *recordingSink, *httptest.Server) {
	t.Helper()
	codec, err := NewCodec(secret)
	require.NoError(t, err)
	hub, sink := NewHub(), newRecordingSink()
	mux := http.NewServeMux()
	NewServer(hub, sink, codec, pollWait).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, sink, srv
}

func TestHTTP_PollAndDeliver(t *testing.T) {
	hub, sink, srv := newTestServer(t, "k", 0)
	codec, err := NewCodec("k")
	require.NoError(t, err)
	client, err := NewHTTPClient(ClientOptions{Endpoint: srv.URL, Codec: codec})
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	// 空管道返回 (nil, nil)
	msg, err := client.Poll(ctx, "socks")
	require.NoError(t, err)
	require.Nil(t, msg)

	sent := newMsg(protocol.StatusNewConnection, "frame")
	hub.Queue("socks").Enqueue(sent)
	msg, err = client.Poll(ctx, "socks")
	require.NoError(t, err)
	require.Equal(t, sent.CircuitID, msg.CircuitID)
	require.Equal(t, "frame", string(msg.Payload))

	reply := &protocol.Message{CircuitID: sent.CircuitID, Status: protocol.StatusNewConnection, Protocol: protocol.ProtoTCP}
	require.NoError(t, client.Deliver(ctx, "socks", reply))
	got := sink.wait(t)
	require.Equal(t, sent.CircuitID, got.CircuitID)
	require.Equal(t, protocol.ProtoTCP, got.Protocol)
}

func TestHTTP_LongPollWakesOnEnqueue(t *testing.T) {
	hub, _, srv := newTestServer(t, "", 5*time.Second)
	client, err := NewHTTPClient(ClientOptions{Endpoint: srv.URL, Codec: &Codec{}})
	require.NoError(t, err)

	sent := newMsg(protocol.StatusOk, "wake")
	go func() {
		time.Sleep(50 * time.Millisecond)
		hub.Queue("socks").Enqueue(sent)
	}()

	start := time.Now()
	msg, err := client.Poll(context.Background(), "socks")
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, sent.CircuitID, msg.CircuitID)
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestHTTP_DeliverRejectsGarbage(t *testing.T) {
	_, _, srv := newTestServer(t, "", 0)
	resp, err := http.Post(srv.URL+"/tunnel/socks", "application/octet-stream", bytes.NewReader([]byte("not a message")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_ClientReportsUnavailable(t *testing.T) {
	client, err := NewHTTPClient(ClientOptions{Endpoint: "http://127.0.0.1:1", Codec: &Codec{}, DialTimeout: time.Second})
	require.NoError(t, err)
	_, err = client.Poll(context.Background(), "socks")
	require.ErrorIs(t, err, ErrTransportUnavailable)
	require.ErrorIs(t, client.Deliver(context.Background(), "socks", newMsg(protocol.StatusOk, "x")), ErrTransportUnavailable)
}

func TestWebSocket_RoundTrip(t *testing.T) {
	hub, sink, srv := newTestServer(t, "ws-secret", 0)
	codec, err := NewCodec("ws-secret")
	require.NoError(t, err)
	client, err := NewWSClient(ClientOptions{Endpoint: srv.URL, Codec: codec, PollTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	up := newMsg(protocol.StatusOk, "from agent")
	require.NoError(t, client.Deliver(ctx, "socks", up))
	require.Equal(t, "from agent", string(sink.wait(t).Payload))

	down := newMsg(protocol.StatusOk, "from gateway")
	hub.Queue("socks").Enqueue(down)
	msg, err := client.Poll(ctx, "socks")
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, down.CircuitID, msg.CircuitID)
	require.Equal(t, "from gateway", string(msg.Payload))
}

func TestLoopback_PollAndDeliver(t *testing.T) {
	hub, sink := NewHub(), newRecordingSink()
	lb := NewLoopback(hub, sink, &Codec{}, 20*time.Millisecond)
	ctx := context.Background()

	msg, err := lb.Poll(ctx, "socks")
	require.NoError(t, err)
	require.Nil(t, msg)

	hub.Queue("socks").Enqueue(newMsg(protocol.StatusOk, "x"))
	msg, err = lb.Poll(ctx, "socks")
	require.NoError(t, err)
	require.Equal(t, "x", string(msg.Payload))

	require.NoError(t, lb.Deliver(ctx, "socks", newMsg(protocol.StatusError, "")))
	require.Equal(t, protocol.StatusError, sink.wait(t).Status)
}
