package warden

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Tunnel relays bytes between a client connection and an origin
// connection in both directions. Closing either leg promptly tears
// down the other, and both connections are always closed when Run
// returns, whatever path got there.
type Tunnel struct {
	client net.Conn
	origin net.Conn

	// IdleTimeout closes the tunnel when neither direction moves a
	// byte for this long. Zero disables the idle check.
	IdleTimeout time.Duration

	bytesUp   atomic.Int64
	bytesDown atomic.Int64

	closeOnce sync.Once
}

// NewTunnel creates a tunnel between the two connections. Call Run to
// start relaying.
func NewTunnel(client, origin net.Conn) *Tunnel {
	return &Tunnel{client: client, origin: origin}
}

// Run relays until either side closes or errors, then closes both
// connections and returns. Byte counters are final once Run returns.
func (t *Tunnel) Run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		t.pump(t.origin, t.client, &t.bytesUp)
	}()
	go func() {
		defer wg.Done()
		t.pump(t.client, t.origin, &t.bytesDown)
	}()

	wg.Wait()
	t.close()
}

// pump copies src to dst, counting bytes. The first direction to stop
// closes both connections so the opposite pump unblocks.
func (t *Tunnel) pump(dst, src net.Conn, counter *atomic.Int64) {
	defer t.close()

	buf := make([]byte, 32*1024)
	for {
		if t.IdleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(t.IdleTimeout))
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			counter.Add(int64(n))
		}
		if err != nil {
			return
		}
	}
}

func (t *Tunnel) close() {
	t.closeOnce.Do(func() {
		_ = t.client.Close()
		_ = t.origin.Close()
	})
}

// Bytes returns the bytes relayed client-to-origin (up) and
// origin-to-client (down) so far.
func (t *Tunnel) Bytes() (up, down int64) {
	return t.bytesUp.Load(), t.bytesDown.Load()
}
