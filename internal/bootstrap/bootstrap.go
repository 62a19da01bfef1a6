// Package bootstrap exchanges queue pair connection parameters over a
// plain TCP socket before the RDMA path comes up. Each side publishes
// the triple the peer needs to reach it: the rkey and base address of
// its exposed memory region and its QP number. The exchange is an
// application-level convention used by the example programs, not part
// of the verbs contract.
package bootstrap

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPort is the conventional exchange port of the examples.
const DefaultPort = 12346

// Params is the connection triple each side publishes.
type Params struct {
	RKey uint32
	Addr uint64
	QPN  uint32
}

// paramsSize is the wire size of one triple: 4+8+4 bytes, field order
// rkey, addr, qpn, each field in host byte order.
const paramsSize = 16

func (p Params) marshal() []byte {
	b := make([]byte, paramsSize)
	binary.NativeEndian.PutUint32(b[0:4], p.RKey)
	binary.NativeEndian.PutUint64(b[4:12], p.Addr)
	binary.NativeEndian.PutUint32(b[12:16], p.QPN)
	return b
}

func unmarshalParams(b []byte) Params {
	return Params{
		RKey: binary.NativeEndian.Uint32(b[0:4]),
		Addr: binary.NativeEndian.Uint64(b[4:12]),
		QPN:  binary.NativeEndian.Uint32(b[12:16]),
	}
}

// Listen binds the exchange endpoint. The caller takes the single peer
// with Accept.
func Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bootstrap listen on %s: %w", addr, err)
	}
	log.Debug().Str("addr", l.Addr().String()).Msg("Waiting for bootstrap peer")
	return l, nil
}

// Accept waits for one peer and closes the listener; the exchange is a
// pairwise protocol.
func Accept(l net.Listener) (net.Conn, error) {
	defer l.Close()
	c, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("bootstrap accept: %w", err)
	}
	return c, nil
}

// Dial connects to a peer's exchange endpoint, retrying until wait has
// elapsed so either side may start first.
func Dial(addr string, wait time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(wait)
	for {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("bootstrap dial %s: %w", addr, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Exchange publishes the local triple and reads the peer's. Both sides
// write first and then read; the frames cross on the wire.
func Exchange(conn net.Conn, local Params) (Params, error) {
	if _, err := conn.Write(local.marshal()); err != nil {
		return Params{}, fmt.Errorf("bootstrap send params: %w", err)
	}
	b := make([]byte, paramsSize)
	if _, err := io.ReadFull(conn, b); err != nil {
		return Params{}, fmt.Errorf("bootstrap read params: %w", err)
	}
	remote := unmarshalParams(b)
	log.Debug().
		Uint32("rkey", remote.RKey).
		Uint64("addr", remote.Addr).
		Uint32("qpn", remote.QPN).
		Msg("Bootstrap exchange complete")
	return remote, nil
}

// Ready completes the barrier after both QPs reach RTS: each side sends
// one byte and waits for the peer's, so neither posts work before the
// other can receive it.
func Ready(conn net.Conn) error {
	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("bootstrap ready send: %w", err)
	}
	b := make([]byte, 1)
	if _, err := io.ReadFull(conn, b); err != nil {
		return fmt.Errorf("bootstrap ready wait: %w", err)
	}
	return nil
}
