package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleTimeoutConnExpires(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewIdleTimeoutConn(server, 50*time.Millisecond)

	start := time.Now()
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "expected timeout, got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIdleTimeoutConnRefreshesPerRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewIdleTimeoutConn(server, 200*time.Millisecond)

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(60 * time.Millisecond)
			if _, err := client.Write([]byte{byte(i)}); err != nil {
				return
			}
		}
	}()

	// Total elapsed time exceeds the timeout but no single gap does.
	buf := make([]byte, 1)
	for i := 0; i < 5; i++ {
		_, err := c.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, byte(i), buf[0])
	}
}

func TestIdleTimeoutConnDisabled(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	assert.Same(t, server, NewIdleTimeoutConn(server, 0))
}
