package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/netutil"
)

// StartHttpServer serves handler on an available localhost port for the
// duration of the test, returning the server's base URL.
func StartHttpServer(t *testing.T, handler http.Handler) string {
	port, err := netutil.GetAvailablePortForAddress("localhost")
	require.NoError(t, err)

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	require.NoError(t, err)

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = server.Serve(listener)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return fmt.Sprintf("http://localhost:%d", port)
}
