package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshalUnmarshal(t *testing.T) {
	id := uuid.New()
	cases := []*Message{
		{CircuitID: id, Status: StatusNewConnection, Payload: []byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0, 80}},
		{CircuitID: id, Status: StatusNewConnection, Protocol: ProtoUDP},
		{CircuitID: id, Status: StatusOk, Payload: []byte{}},
		{CircuitID: id, Status: StatusError},
	}
	for _, want := range cases {
		got, err := Unmarshal(Marshal(want))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestUnmarshal_EmptyPayloadDistinctFromAbsent(t *testing.T) {
	empty, err := Unmarshal(Marshal(&Message{CircuitID: uuid.New(), Status: StatusOk, Payload: []byte{}}))
	require.NoError(t, err)
	require.NotNil(t, empty.Payload)

	absent, err := Unmarshal(Marshal(&Message{CircuitID: uuid.New(), Status: StatusOk}))
	require.NoError(t, err)
	require.Nil(t, absent.Payload)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	msg := &Message{CircuitID: uuid.New(), Status: StatusOk, Payload: []byte("hi")}
	b := Marshal(msg)
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	got, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestUnmarshal_Rejects(t *testing.T) {
	id := uuid.New()
	noID := protowire.AppendVarint(protowire.AppendTag(nil, fieldStatus, protowire.VarintType), uint64(StatusOk))

	badStatus := protowire.AppendBytes(protowire.AppendTag(nil, fieldCircuitID, protowire.BytesType), id[:])
	badStatus = protowire.AppendVarint(protowire.AppendTag(badStatus, fieldStatus, protowire.VarintType), 9)

	wideStatus := protowire.AppendBytes(protowire.AppendTag(nil, fieldCircuitID, protowire.BytesType), id[:])
	wideStatus = protowire.AppendVarint(protowire.AppendTag(wideStatus, fieldStatus, protowire.VarintType), 256+uint64(StatusNewConnection))

	wideProto := protowire.AppendBytes(protowire.AppendTag(nil, fieldCircuitID, protowire.BytesType), id[:])
	wideProto = protowire.AppendVarint(protowire.AppendTag(wideProto, fieldStatus, protowire.VarintType), uint64(StatusNewConnection))
	wideProto = protowire.AppendVarint(protowire.AppendTag(wideProto, fieldProtocol, protowire.VarintType), 256+uint64(ProtoTCP))

	shortID := protowire.AppendBytes(protowire.AppendTag(nil, fieldCircuitID, protowire.BytesType), id[:8])

	truncated := Marshal(&Message{CircuitID: id, Status: StatusOk, Payload: []byte("payload")})
	truncated = truncated[:len(truncated)-3]

	for name, b := range map[string][]byte{
		"missing id":     noID,
		"unknown status": badStatus,
		"status > 255":   wideStatus,
		"protocol > 255": wideProto,
		"short id":       shortID,
		"truncated":      truncated,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(b)
			require.ErrorIs(t, err, ErrBadMessage)
		})
	}
}

func TestStatusAndProtocolNames(t *testing.T) {
	require.Equal(t, "tcp", ProtoTCP.String())
	require.Equal(t, "udp", ProtoUDP.String())
	require.True(t, StatusError.Valid())
	require.False(t, Status(0).Valid())
}
