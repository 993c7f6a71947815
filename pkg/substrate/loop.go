// Package substrate provides concrete implementations of chanrpc's
// Substrate contract: a websocket-backed transport for two separate
// processes, and an in-process loop transport for tests and for hosting
// two Channels in the same binary.
package substrate

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/prep/socketpair"

	"github.com/bridgewire/chanrpc/pkg/chanrpc"
)

// loopPeer is the chanrpc.Peer each Loop hands out: an opaque identity
// string with no further structure, the in-process analogue of an origin.
type loopPeer struct {
	identity string
}

func (p *loopPeer) Identity() string { return p.identity }

// Loop is a chanrpc.Substrate over one end of a local socketpair (§6:
// "symmetric availability in the peer context"). It is the substrate used
// by chanrpc's own tests, and by applications embedding both ends of a
// Channel pair in one process, transporting discrete line-delimited frames
// over what is otherwise a raw byte stream.
type Loop struct {
	local  *loopPeer
	remote *loopPeer
	conn   net.Conn

	mu   sync.Mutex
	subs []func(payload, senderID string)

	once      sync.Once
	closeCh   chan struct{}
	writeLock sync.Mutex
}

// NewLoopPair builds two connected Loop substrates, identified localID and
// remoteID respectively from each other's point of view. Messages written
// on one arrive, line-delimited, on the other.
func NewLoopPair(localID, remoteID string) (a, b *Loop, err error) {
	connA, connB, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, fmt.Errorf("substrate: failed to create socketpair: %w", err)
	}
	a = newLoop(connA, localID, remoteID)
	b = newLoop(connB, remoteID, localID)
	a.start()
	b.start()
	return a, b, nil
}

func newLoop(conn net.Conn, localID, remoteID string) *Loop {
	return &Loop{
		local:   &loopPeer{identity: localID},
		remote:  &loopPeer{identity: remoteID},
		conn:    conn,
		closeCh: make(chan struct{}),
	}
}

func (l *Loop) start() {
	go l.readLoop()
}

func (l *Loop) readLoop() {
	scanner := bufio.NewScanner(l.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		l.mu.Lock()
		subs := append([]func(string, string){}, l.subs...)
		l.mu.Unlock()
		for _, fn := range subs {
			if fn != nil {
				fn(line, l.remote.identity)
			}
		}
	}
}

// Send implements chanrpc.Substrate. peer is expected to be this Loop's
// remote end; the connection is point-to-point, so peer is only validated,
// not routed on.
func (l *Loop) Send(ctx context.Context, peer chanrpc.Peer, payload string) error {
	if peer == nil || peer.Identity() != l.remote.identity {
		return fmt.Errorf("substrate: loop is only connected to %q, not %q", l.remote.identity, peerIdentity(peer))
	}
	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	_, err := fmt.Fprintf(l.conn, "%s\n", payload)
	return err
}

func peerIdentity(p chanrpc.Peer) string {
	if p == nil {
		return "<nil>"
	}
	return p.Identity()
}

// Subscribe implements chanrpc.Substrate.
func (l *Loop) Subscribe(fn func(payload string, senderID string)) func() {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	idx := len(l.subs) - 1
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if idx < len(l.subs) {
			l.subs[idx] = nil
		}
	}
}

// LocalPeer implements chanrpc.Substrate.
func (l *Loop) LocalPeer() chanrpc.Peer { return l.local }

// RemotePeer returns the peer handle for the other end of this Loop, the
// value applications pass as chanrpc.Config.Peer.
func (l *Loop) RemotePeer() chanrpc.Peer { return l.remote }

// Close tears down the underlying socketpair connection.
func (l *Loop) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.conn.Close()
	})
	return err
}
