package tunnel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"revsocks_go/internal/shared/logger"
	"revsocks_go/internal/shared/protocol"
)

// maxMessageSize 限制单条线上消息的大小 (UDP 数据报最大 64KiB 加封装开销)
const maxMessageSize = 1 << 20

const wsPingInterval = 30 * time.Second

// upgrader 是 /ws/{pipe} 使用的 WebSocket 升级器
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server 是网关侧的隧道端点: agent 通过它取走管道中的消息并投递回复。
type Server struct {
	hub      *Hub
	sink     Sink
	codec    *Codec
	pollWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建隧道端点。pollWait 为 0 时 GET 立即返回。
func NewServer(hub *Hub, sink Sink, codec *Codec, pollWait time.Duration) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{hub: hub, sink: sink, codec: codec, pollWait: pollWait, ctx: ctx, cancel: cancel}
}

// Register 在 mux 上注册隧道路由
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /tunnel/{pipe}", s.handlePoll)
	mux.HandleFunc("POST /tunnel/{pipe}", s.handleDeliver)
	mux.HandleFunc("GET /ws/{pipe}", s.handleWebSocket)
}

// Close 结束进行中的 WebSocket 会话并等待它们退出。被劫持的连接不受 http.Server.Shutdown 管理。
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	pipe := r.PathValue("pipe")
	q := s.hub.Queue(pipe)

	var (
		msg *protocol.Message
		ok  bool
	)
	if s.pollWait <= 0 {
		msg, ok = q.Dequeue()
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), s.pollWait)
		stop := context.AfterFunc(s.ctx, cancel)
		m, err := q.Next(ctx)
		stop()
		cancel()
		msg, ok = m, err == nil
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := s.codec.Encode(msg)
	if err != nil {
		logger.Error().Err(err).Str("pipe", pipe).Msg("[Tunnel] Failed to encode message")
		q.Requeue(msg)
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		logger.Debug().Err(err).Str("pipe", pipe).Msg("[Tunnel] Poll response write failed, requeueing")
		q.Requeue(msg)
		return
	}
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	pipe := r.PathValue("pipe")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	msg, err := s.codec.Decode(body)
	if err != nil {
		logger.Warn().Err(err).Str("pipe", pipe).Str("remote", r.RemoteAddr).Msg("[Tunnel] Rejecting undecodable message")
		http.Error(w, "bad message", http.StatusBadRequest)
		return
	}
	if err := s.sink.Deliver(pipe, msg); err != nil {
		logger.Warn().Err(err).Str("pipe", pipe).Msg("[Tunnel] Sink rejected message")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	pipe := r.PathValue("pipe")
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("[Tunnel] WebSocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxMessageSize)

	s.wg.Add(1)
	defer s.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Str("pipe", pipe).Msg("[Tunnel] PANIC recovered in WebSocket session")
		}
		_ = ws.Close()
	}()

	logger.Info().Str("pipe", pipe).Str("remote", r.RemoteAddr).Msg("[Tunnel] WebSocket agent attached")
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	go func() {
		defer cancel()
		s.readWebSocket(ws, pipe)
	}()
	s.writeWebSocket(ctx, ws, pipe)
	logger.Info().Str("pipe", pipe).Str("remote", r.RemoteAddr).Msg("[Tunnel] WebSocket agent detached")
}

// readWebSocket 把 agent 发来的每一帧交给 sink
func (s *Server) readWebSocket(ws *websocket.Conn, pipe string) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Str("pipe", pipe).Msg("[Tunnel] WebSocket read finished")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := s.codec.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Str("pipe", pipe).Msg("[Tunnel] Dropping undecodable WebSocket frame")
			continue
		}
		if err := s.sink.Deliver(pipe, msg); err != nil {
			logger.Warn().Err(err).Str("pipe", pipe).Msg("[Tunnel] Sink rejected message")
		}
	}
}

// writeWebSocket 从管道取消息写给 agent，空闲时发送 ping
func (s *Server) writeWebSocket(ctx context.Context, ws *websocket.Conn, pipe string) {
	q := s.hub.Queue(pipe)
	for {
		waitCtx, cancel := context.WithTimeout(ctx, wsPingInterval)
		msg, err := q.Next(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
			continue
		}

		body, err := s.codec.Encode(msg)
		if err != nil {
			logger.Error().Err(err).Str("pipe", pipe).Msg("[Tunnel] Failed to encode message")
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteMessage(websocket.BinaryMessage, body); err != nil {
			logger.Debug().Err(err).Str("pipe", pipe).Msg("[Tunnel] WebSocket write failed, requeueing")
			q.Requeue(msg)
			return
		}
	}
}
