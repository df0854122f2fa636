// Package wsdial opens websocket connections that honour context
// cancellation through the whole opening handshake.
package wsdial

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dial behaves like d.DialContext, except that cancelling ctx closes the
// underlying network connection. gorilla only maps ctx deadlines onto the
// connection, so a plain cancel would otherwise wait for the upgrade
// response. Errors caused by ctx are reported as ctx.Err().
func Dial(ctx context.Context, d *websocket.Dialer, target string, header http.Header) (*websocket.Conn, *http.Response, error) {
	if d == nil {
		d = websocket.DefaultDialer
	}
	dialer := *d

	base := d.NetDialContext
	if base == nil {
		var nd net.Dialer
		base = nd.DialContext
	}

	var (
		mu    sync.Mutex
		stops []func() bool
	)
	dialer.NetDialContext = func(dialCtx context.Context, network, addr string) (net.Conn, error) {
		conn, err := base(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		mu.Lock()
		stops = append(stops, stop)
		mu.Unlock()
		return conn, nil
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)

	mu.Lock()
	detached := true
	for _, stop := range stops {
		if !stop() {
			detached = false
		}
	}
	mu.Unlock()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, resp, ctxErr
		}
		// The connection deadline can fire a moment before ctx records it.
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return nil, resp, context.DeadlineExceeded
		}
		return nil, resp, err
	}
	if !detached {
		// ctx ended right after the handshake and the connection is gone.
		_ = conn.Close()
		return nil, resp, ctx.Err()
	}
	return conn, resp, nil
}
