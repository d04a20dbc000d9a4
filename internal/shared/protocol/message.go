package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Status 是电路在隧道消息中的状态
type Status uint8

const (
	StatusNewConnection Status = 1
	StatusOk            Status = 2
	StatusError         Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusNewConnection:
		return "NewConnection"
	case StatusOk:
		return "Ok"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func (s Status) Valid() bool {
	return s >= StatusNewConnection && s <= StatusError
}

// Protocol 是电路出口使用的传输层协议
type Protocol uint8

const (
	ProtoUnknown Protocol = 0
	ProtoTCP     Protocol = 1
	ProtoUDP     Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Message 是网关与 agent 之间交换的最小单位。
//
// NewConnection: 网关→agent 时 Payload 为原始命令帧；agent→网关 时表示出口已就绪，Protocol 有效。
// Ok: Payload 为数据。Error: 电路终止，无 Payload。
type Message struct {
	CircuitID uuid.UUID
	Status    Status
	Protocol  Protocol
	Payload   []byte
}

const (
	fieldCircuitID protowire.Number = 1
	fieldStatus    protowire.Number = 2
	fieldProtocol  protowire.Number = 3
	fieldPayload   protowire.Number = 4
)

var ErrBadMessage = errors.New("protocol: bad message")

// Marshal 编码消息。Payload 为 nil 时省略该字段，空切片则编码为零长度字段。
func Marshal(m *Message) []byte {
	b := make([]byte, 0, 24+len(m.Payload)+protowire.SizeVarint(uint64(len(m.Payload))))
	b = protowire.AppendTag(b, fieldCircuitID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.CircuitID[:])
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Status))
	if m.Protocol != ProtoUnknown {
		b = protowire.AppendTag(b, fieldProtocol, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Protocol))
	}
	if m.Payload != nil {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

// Unmarshal 解码消息，未知字段被跳过。
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	var haveID bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldCircuitID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrBadMessage, protowire.ParseError(n))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return nil, fmt.Errorf("%w: circuit id: %v", ErrBadMessage, err)
			}
			m.CircuitID = id
			haveID = true
			b = b[n:]
		case (num == fieldStatus || num == fieldProtocol) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrBadMessage, protowire.ParseError(n))
			}
			if v > math.MaxUint8 {
				return nil, fmt.Errorf("%w: field %d value %d out of range", ErrBadMessage, num, v)
			}
			if num == fieldStatus {
				m.Status = Status(v)
			} else {
				m.Protocol = Protocol(v)
			}
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrBadMessage, protowire.ParseError(n))
			}
			m.Payload = append([]byte{}, v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrBadMessage, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !haveID {
		return nil, fmt.Errorf("%w: missing circuit id", ErrBadMessage)
	}
	if !m.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %d", ErrBadMessage, m.Status)
	}
	return m, nil
}
