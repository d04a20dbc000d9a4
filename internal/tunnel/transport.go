package tunnel

import (
	"context"
	"errors"
	"fmt"

	"revsocks_go/internal/shared/protocol"
	"revsocks_go/internal/shared/securecrypt"
)

// ErrTransportUnavailable 表示一次 Poll/Deliver 未能到达网关
var ErrTransportUnavailable = errors.New("tunnel: transport unavailable")

// Transport 是 agent 看到的隧道: 从管道取消息，向网关投递消息。
type Transport interface {
	// Poll 取出管道中的下一条消息，没有消息时返回 (nil, nil)。
	Poll(ctx context.Context, pipe string) (*protocol.Message, error)
	Deliver(ctx context.Context, pipe string, msg *protocol.Message) error
	Close() error
}

// Sink 接收 agent 投递到网关的消息
type Sink interface {
	Deliver(pipe string, msg *protocol.Message) error
}

// Codec 把消息编码为线上字节，配置了密钥时再做 AEAD 封装。
type Codec struct {
	cipher *securecrypt.Cipher
}

// NewCodec 在 secret 为空时返回不加密的 Codec。
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return &Codec{}, nil
	}
	c, err := securecrypt.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	return &Codec{cipher: c}, nil
}

func (c *Codec) Encode(msg *protocol.Message) ([]byte, error) {
	b := protocol.Marshal(msg)
	if c == nil || c.cipher == nil {
		return b, nil
	}
	return c.cipher.Encrypt(b)
}

func (c *Codec) Decode(b []byte) (*protocol.Message, error) {
	if c != nil && c.cipher != nil {
		plain, err := c.cipher.Decrypt(b)
		if err != nil {
			return nil, fmt.Errorf("tunnel: open message: %w", err)
		}
		b = plain
	}
	return protocol.Unmarshal(b)
}
