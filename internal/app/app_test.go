package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olla-mesh/streamrouter/internal/config"
	"github.com/olla-mesh/streamrouter/internal/logger"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// echoUpstream accepts connections forever and echoes every byte back,
// standing in for a real mesh endpoint.
func echoUpstream(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func oracleFor(upstreamPort int) *httptest.Server {
	body := `{"type":"bound","addrs":[{"ip":"127.0.0.1","port":` + strconv.Itoa(upstreamPort) + `}]}`
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestApplication_EndToEndRouteAndGracefulShutdown(t *testing.T) {
	upstream, upstreamPort := echoUpstream(t)
	defer upstream.Close()

	oracle := oracleFor(upstreamPort)
	defer oracle.Close()

	serverPort := freePort(t)
	adminPort := freePort(t)

	cfg := &config.Config{
		Admin: config.AdminConfig{IP: "127.0.0.1", Port: uint16(adminPort), MetricsIntervalSecs: 60},
		Routers: []config.RouterConfig{
			{
				Label: "edge",
				Interpreter: config.InterpreterConfig{
					Kind: "io.l5d.namerd.http", BaseURL: oracle.URL, Namespace: "prod", PeriodSecs: 1,
				},
				Servers: []config.ServerConfig{
					{IP: "127.0.0.1", Port: uint16(serverPort), DstName: "/svc/edge"},
				},
			},
		},
	}

	application, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan int, 1)
	go func() { runDone <- application.Run(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(serverPort)), 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 3*time.Second, 20*time.Millisecond)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	cancel()

	select {
	case code := <-runDone:
		require.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("application.Run never returned after cancellation")
	}
}

func TestApplication_RejectsUnbindableServerPort(t *testing.T) {
	oracle := oracleFor(1)
	defer oracle.Close()

	// Bind the port ahead of time so the Acceptor's own bind attempt fails.
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	cfg := &config.Config{
		Admin: config.AdminConfig{IP: "127.0.0.1", Port: uint16(freePort(t))},
		Routers: []config.RouterConfig{
			{
				Label:       "edge",
				Interpreter: config.InterpreterConfig{Kind: "io.l5d.namerd.http", BaseURL: oracle.URL, Namespace: "prod", PeriodSecs: 1},
				Servers: []config.ServerConfig{
					{IP: "127.0.0.1", Port: uint16(busyPort), DstName: "/svc/edge"},
				},
			},
		},
	}

	application, err := New(cfg, testLogger())
	require.NoError(t, err)

	code := application.Run(context.Background())
	require.NotEqual(t, 0, code)
}
