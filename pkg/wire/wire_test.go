package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	in := ToClientActorStart{ActorID: 42, Generation: 3, Name: "web", Key: "k1"}
	data, err := Pack(KindToClientActorStart, in)
	require.NoError(t, err)

	var out ToClientActorStart
	kind, err := Unpack(data, &out)
	require.NoError(t, err)
	assert.Equal(t, KindToClientActorStart, kind)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	data := Encode(Frame{Version: ProtocolVersion + 1, Kind: KindToServerPong, Payload: []byte("{}")})
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncatedFrame)

	full := Encode(Frame{Version: ProtocolVersion, Kind: KindToServerPong, Payload: []byte("hello")})
	_, err = Decode(full[:len(full)-2])
	assert.ErrorIs(t, err, ErrTruncatedFrame)
}
