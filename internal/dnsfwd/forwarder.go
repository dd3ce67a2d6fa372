// Package dnsfwd runs the local DNS forwarder: a listener on loopback
// that proxies recursive queries to the configured upstreams through
// the tunnel's SOCKS5 channel, with a TTL-respecting response cache.
package dnsfwd

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"pingtunnel-vpn/internal/core"
)

const (
	listenPort      = 53
	fallbackPort    = 5353
	attemptTimeout  = 5 * time.Second
	upstreamRetries = 2
	maxUDPQuery     = 4096
)

// Forwarder proxies DNS queries over SOCKS5 to the upstream servers.
type Forwarder struct {
	socksAddr string
	upstreams []string
	cache     *Cache

	udpConn net.PacketConn
	tcpLn   net.Listener
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	consecutiveFailures atomic.Uint64
}

// New creates a Forwarder that dials upstreams through the SOCKS5
// proxy at 127.0.0.1:socksPort.
func New(socksPort int, upstreams []string) *Forwarder {
	return &Forwarder{
		socksAddr: fmt.Sprintf("127.0.0.1:%d", socksPort),
		upstreams: upstreams,
		cache:     NewCache(),
	}
}

// Cache exposes the response cache for diagnostics.
func (f *Forwarder) Cache() *Cache { return f.cache }

// Start binds the loopback listeners and begins serving. Port 53
// being taken is not fatal: UDP falls back to 5353 and TCP may be
// skipped entirely.
func (f *Forwarder) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	udpConn, err := net.ListenPacket("udp4", fmt.Sprintf("127.0.0.1:%d", listenPort))
	if err != nil {
		core.Log.Warnf("DNS", "Port %d unavailable (%v), falling back to %d", listenPort, err, fallbackPort)
		udpConn, err = net.ListenPacket("udp4", fmt.Sprintf("127.0.0.1:%d", fallbackPort))
		if err != nil {
			cancel()
			return fmt.Errorf("bind UDP listener: %w", err)
		}
	}
	f.udpConn = udpConn

	if tcpLn, err := net.Listen("tcp4", udpConn.LocalAddr().String()); err == nil {
		f.tcpLn = tcpLn
		f.wg.Add(1)
		go f.serveTCP(ctx)
	} else {
		core.Log.Warnf("DNS", "TCP listener unavailable: %v", err)
	}

	f.wg.Add(1)
	go f.serveUDP(ctx)

	core.Log.Infof("DNS", "Forwarder listening on %s (upstreams: %v)", udpConn.LocalAddr(), f.upstreams)
	return nil
}

// Addr returns the bound UDP listener address, for tests and logs.
func (f *Forwarder) Addr() net.Addr {
	if f.udpConn == nil {
		return nil
	}
	return f.udpConn.LocalAddr()
}

// Stop closes the listeners and waits for in-flight queries.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.udpConn != nil {
		f.udpConn.Close()
	}
	if f.tcpLn != nil {
		f.tcpLn.Close()
	}
	f.wg.Wait()
	f.cache.Stop()
	core.Log.Infof("DNS", "Forwarder stopped")
}

func (f *Forwarder) serveUDP(ctx context.Context) {
	defer f.wg.Done()
	buf := make([]byte, maxUDPQuery)
	for {
		n, addr, err := f.udpConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			core.Log.Debugf("DNS", "UDP read: %v", err)
			return
		}
		if n < 12 {
			continue
		}
		query := make([]byte, n)
		copy(query, buf[:n])
		f.wg.Add(1)
		go func(q []byte, client net.Addr) {
			defer f.wg.Done()
			if resp := f.resolve(ctx, q); resp != nil {
				f.udpConn.WriteTo(resp, client)
			}
		}(query, addr)
	}
}

func (f *Forwarder) serveTCP(ctx context.Context) {
	defer f.wg.Done()
	for {
		conn, err := f.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			core.Log.Debugf("DNS", "TCP accept: %v", err)
			return
		}
		f.wg.Add(1)
		go func(c net.Conn) {
			defer f.wg.Done()
			defer c.Close()
			f.serveTCPConn(ctx, c)
		}(conn)
	}
}

func (f *Forwarder) serveTCPConn(ctx context.Context, c net.Conn) {
	for {
		c.SetReadDeadline(time.Now().Add(attemptTimeout))
		var lenBuf [2]byte
		if _, err := io.ReadFull(c, lenBuf[:]); err != nil {
			return
		}
		qlen := binary.BigEndian.Uint16(lenBuf[:])
		if qlen < 12 {
			return
		}
		query := make([]byte, qlen)
		if _, err := io.ReadFull(c, query); err != nil {
			return
		}
		resp := f.resolve(ctx, query)
		if resp == nil {
			return
		}
		out := make([]byte, 2+len(resp))
		binary.BigEndian.PutUint16(out[0:2], uint16(len(resp)))
		copy(out[2:], resp)
		c.SetWriteDeadline(time.Now().Add(attemptTimeout))
		if _, err := c.Write(out); err != nil {
			return
		}
	}
}

// resolve answers one query from cache or through the tunnel. Returns
// nil when no upstream produced a response; the client will time out.
func (f *Forwarder) resolve(ctx context.Context, query []byte) []byte {
	name, qtype, qclass, err := parseQuestion(query)
	if err != nil {
		core.Log.Debugf("DNS", "Bad query: %v", err)
		return nil
	}
	id := transactionID(query)

	if resp, ok := f.cache.Get(id, name, qtype, qclass); ok {
		return resp
	}

	resp := f.exchange(ctx, query)
	if resp == nil {
		return nil
	}
	f.cache.Put(name, qtype, qclass, resp)
	return resp
}

// exchange walks the upstream list with per-upstream retries and
// exponential backoff until one produces a well-formed response.
func (f *Forwarder) exchange(ctx context.Context, query []byte) []byte {
	for _, upstream := range f.upstreams {
		backoff := 100 * time.Millisecond
		for attempt := 0; attempt <= upstreamRetries; attempt++ {
			if ctx.Err() != nil {
				return nil
			}
			resp, err := f.exchangeOnce(upstream, query)
			if err == nil {
				f.consecutiveFailures.Store(0)
				return resp
			}
			failures := f.consecutiveFailures.Add(1)
			if failures%10 == 0 {
				core.Log.Warnf("DNS", "%d consecutive upstream failures (last: %v)", failures, err)
			} else {
				core.Log.Debugf("DNS", "Upstream %s attempt %d: %v", upstream, attempt+1, err)
			}
			if attempt < upstreamRetries {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
				}
				backoff *= 2
			}
		}
	}
	return nil
}

// exchangeOnce performs one length-prefixed DNS exchange with a
// single upstream over a fresh SOCKS5 connection.
func (f *Forwarder) exchangeOnce(upstream string, query []byte) ([]byte, error) {
	dialer, err := proxy.SOCKS5("tcp", f.socksAddr, nil, &net.Dialer{Timeout: attemptTimeout})
	if err != nil {
		return nil, fmt.Errorf("socks dialer: %w", err)
	}
	conn, err := dialer.Dial("tcp", net.JoinHostPort(upstream, "53"))
	if err != nil {
		return nil, fmt.Errorf("dial %s via socks: %w", upstream, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(attemptTimeout))

	out := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(query)))
	copy(out[2:], query)
	if _, err := conn.Write(out); err != nil {
		return nil, fmt.Errorf("write query: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	rlen := binary.BigEndian.Uint16(lenBuf[:])
	if rlen < 12 {
		return nil, fmt.Errorf("malformed response length %d", rlen)
	}
	resp := make([]byte, rlen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}
