package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnHandleRefCounting(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	h := NewConnHandle(client)
	require.Equal(t, int32(1), h.Refs())

	h.IncRef()
	assert.Equal(t, int32(2), h.Refs())

	h.DecRef()
	assert.Equal(t, int32(1), h.Refs())

	// Connection still open at one reference.
	go func() { _, _ = server.Write([]byte("x")) }()
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	assert.NoError(t, err)

	// Final DecRef closes the connection.
	h.DecRef()
	_, err = client.Read(buf)
	assert.Error(t, err)
}

func TestConnHandleFailedFlagIsSticky(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	h := NewConnHandle(c)
	assert.False(t, h.Failed())

	h.MarkFailed()
	assert.True(t, h.Failed())
	h.MarkFailed()
	assert.True(t, h.Failed())
}
