package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}
	addrB = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9002}
)

func TestPipeDelivers(t *testing.T) {
	a, b := Pipe(addrA, addrB)
	defer a.Close()
	defer b.Close()

	n, err := a.WriteTo([]byte("ping"), addrB)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, addrA, from)

	_, _, ok := b.TryReadFrom(buf)
	assert.False(t, ok)
}

func TestPipeWriterBufferIsCopied(t *testing.T) {
	a, b := Pipe(addrA, addrB)
	data := []byte("abc")
	_, err := a.WriteTo(data, addrB)
	require.NoError(t, err)
	data[0] = 'z'

	buf := make([]byte, 16)
	n, _, ok := b.TryReadFrom(buf)
	require.True(t, ok)
	assert.Equal(t, "abc", string(buf[:n]))
}

func TestPipeDropFilter(t *testing.T) {
	a, b := Pipe(addrA, addrB)
	a.SetDropFilter(func(data []byte) bool { return data[0] == 'x' })

	for _, s := range []string{"x1", "ok", "x2"} {
		_, err := a.WriteTo([]byte(s), addrB)
		require.NoError(t, err)
	}

	buf := make([]byte, 16)
	n, _, ok := b.TryReadFrom(buf)
	require.True(t, ok)
	assert.Equal(t, "ok", string(buf[:n]))
	_, _, ok = b.TryReadFrom(buf)
	assert.False(t, ok)

	a.SetDropFilter(nil)
	_, err := a.WriteTo([]byte("x3"), addrB)
	require.NoError(t, err)
	_, _, ok = b.TryReadFrom(buf)
	assert.True(t, ok)
}

func TestPipeClose(t *testing.T) {
	a, b := Pipe(addrA, addrB)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, _, err := b.ReadFrom(make([]byte, 4))
	assert.ErrorIs(t, err, net.ErrClosed)
	_, err = b.WriteTo([]byte("x"), addrA)
	assert.ErrorIs(t, err, net.ErrClosed)

	// Writing to a closed peer is silently lost, like UDP.
	_, err = a.WriteTo([]byte("x"), addrB)
	assert.NoError(t, err)
}

func TestAddr(t *testing.T) {
	a := Addr{Label: "host"}
	assert.Equal(t, "webrtc", a.Network())
	assert.Equal(t, "webrtc:host", a.String())
}
