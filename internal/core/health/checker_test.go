package health

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	up := ln.Addr().String()
	down := closedAddr(t)

	reg := prometheus.NewRegistry()
	c := New(time.Second, reg)
	results := c.Check(context.Background(), []string{up, down})

	require.Len(t, results, 2)
	assert.Equal(t, StatusUp, results[up].Status)
	assert.NoError(t, results[up].Err)
	assert.Equal(t, StatusDown, results[down].Status)
	assert.Error(t, results[down].Err)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.up.WithLabelValues(up)))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.up.WithLabelValues(down)))

	expected := "# HELP wsgate_backend_up 1 when the last probe could connect to the backend.\n" +
		"# TYPE wsgate_backend_up gauge\n" +
		"wsgate_backend_up{backend=\"" + down + "\"} 0\n" +
		"wsgate_backend_up{backend=\"" + up + "\"} 1\n"
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "wsgate_backend_up"))
}

func TestRunStopsWithContext(t *testing.T) {
	c := New(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	addr := closedAddr(t)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, []string{addr}, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "up", StatusUp.String())
	assert.Equal(t, "down", StatusDown.String())
	assert.Equal(t, "unknown", StatusUnknown.String())
}

func TestProbeSendsLocalHeader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	headers := make(chan *proxyproto.Header, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		h, err := proxyproto.Read(bufio.NewReader(conn))
		if err != nil {
			headers <- nil
			return
		}
		headers <- h
	}()

	c := New(time.Second, nil)
	c.SendProxyHeader = true
	addr := ln.Addr().String()
	results := c.Check(context.Background(), []string{addr})
	assert.Equal(t, StatusUp, results[addr].Status)

	select {
	case h := <-headers:
		require.NotNil(t, h)
		assert.Equal(t, byte(2), h.Version)
		assert.Equal(t, proxyproto.LOCAL, h.Command)
		assert.Equal(t, proxyproto.UNSPEC, h.TransportProtocol)
	case <-time.After(5 * time.Second):
		t.Fatal("no header received")
	}
}
