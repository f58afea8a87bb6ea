package nitra

import (
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymarcov/nitra/channel"
	"github.com/ymarcov/nitra/config"
	"github.com/ymarcov/nitra/log"
	"github.com/ymarcov/nitra/stream"
)

func quietConfig() *config.Config {
	cfg := config.Default()
	cfg.Log.LogLevel = log.ErrorLevel
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Orchestrator.Threads = 2
	return cfg
}

func replyHandler(body string, keepAlive bool) channel.Factory {
	h := channel.HandlerFunc(func(req *channel.Request, res *channel.Response) (channel.Control, error) {
		res.WriteString(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
		res.SetKeepAlive(keepAlive)
		return channel.SendResponse, nil
	})
	return channel.FactoryFunc(func(s stream.Stream) *channel.Channel {
		return channel.NewChannel(s, h)
	})
}

func startNitra(t *testing.T, cfg *config.Config, factory channel.Factory) *Nitra {
	t.Helper()
	n, err := New(cfg, factory)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n
}

func TestEndToEndExchange(t *testing.T) {
	n := startNitra(t, quietConfig(), replyHandler("hello", false))

	conn, err := net.Dial("tcp", n.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err, "the server closes after a non-keep-alive exchange")

	assert.True(t, strings.HasPrefix(string(reply), "HTTP/1.1 200 OK"))
	assert.True(t, strings.HasSuffix(string(reply), "hello"))
}

func TestEndToEndKeepAlive(t *testing.T) {
	n := startNitra(t, quietConfig(), replyHandler("pong", true))

	conn, err := net.Dial("tcp", n.Addr())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 4096)
	for i := 0; i < 2; i++ {
		_, err = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)

		var got strings.Builder
		for !strings.HasSuffix(got.String(), "pong") {
			m, err := conn.Read(buf)
			require.NoError(t, err, "connection must stay open between exchanges")
			got.Write(buf[:m])
		}
		assert.Contains(t, got.String(), "200 OK")
	}
}

func TestEndToEndConcurrentClients(t *testing.T) {
	n := startNitra(t, quietConfig(), replyHandler("ok", false))

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			conn, err := net.Dial("tcp", n.Addr())
			if err != nil {
				done <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))

			if _, err := conn.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
				done <- err
				return
			}
			reply, err := io.ReadAll(conn)
			if err != nil {
				done <- err
				return
			}
			if !strings.HasSuffix(string(reply), "ok") {
				done <- fmt.Errorf("unexpected reply %q", reply)
				return
			}
			done <- nil
		}()
	}

	for i := 0; i < 8; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("clients timed out")
		}
	}
}

func TestEndToEndInactivityTimeout(t *testing.T) {
	cfg := quietConfig()
	cfg.Orchestrator.InactivityTimeoutMS = 150
	n := startNitra(t, cfg, replyHandler("", false))

	conn, err := net.Dial("tcp", n.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// Send nothing; the server evicts the idle connection.
	start := time.Now()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitReturnsAfterStop(t *testing.T) {
	n, err := New(quietConfig(), replyHandler("", false))
	require.NoError(t, err)
	require.NoError(t, n.Start())

	errCh := make(chan error, 1)
	go func() { errCh <- n.Wait() }()

	n.Stop()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after stop")
	}
}
