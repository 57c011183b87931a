// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// transport sends and receives datagrams on one UDP socket and keeps
// the request/response book-keeping: every outbound request carries a
// fresh RPC ID and parks a channel that the read loop completes when
// the matching response arrives.
type transport struct {
	log     *zap.Logger
	conn    *net.UDPConn
	self    Contact
	timeout time.Duration

	// handle answers an inbound request; a nil response drops it.
	handle func(from *net.UDPAddr, req packet) *packet

	mu      sync.Mutex
	pending map[string]chan packet
	closed  bool
}

func newTransport(log *zap.Logger, conn *net.UDPConn, self Contact, timeout time.Duration, handle func(*net.UDPAddr, packet) *packet) *transport {
	return &transport{
		log:     log,
		conn:    conn,
		self:    self,
		timeout: timeout,
		handle:  handle,
		pending: make(map[string]chan packet),
	}
}

// readLoop serves the socket until it is closed.
func (t *transport) readLoop() {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if !t.isClosed() {
				t.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		pkt, err := decodePacket(buf[:n])
		if err != nil {
			t.log.Debug("dropping malformed packet", zap.Stringer("from", addr), zap.Error(err))
			continue
		}

		if isResponse(pkt.Type) {
			t.deliver(pkt)
			continue
		}

		if resp := t.handle(addr, pkt); resp != nil {
			resp.RPCID = pkt.RPCID
			resp.From = t.self
			if err := t.send(addr.String(), *resp); err != nil {
				t.log.Debug("response send failed", zap.Stringer("to", addr), zap.Error(err))
			}
		}
	}
}

func (t *transport) deliver(pkt packet) {
	t.mu.Lock()
	ch, ok := t.pending[pkt.RPCID]
	if ok {
		delete(t.pending, pkt.RPCID)
	}
	t.mu.Unlock()

	if ok {
		ch <- pkt
	}
}

// call sends a request to address and waits for the matching response.
func (t *transport) call(ctx context.Context, address string, req packet) (packet, error) {
	rpcID, err := newRPCID()
	if err != nil {
		return packet{}, err
	}
	req.RPCID = rpcID
	req.From = t.self

	ch := make(chan packet, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return packet{}, Error.New("transport closed")
	}
	t.pending[rpcID] = ch
	t.mu.Unlock()

	cleanup := func() {
		t.mu.Lock()
		delete(t.pending, rpcID)
		t.mu.Unlock()
	}

	if err := t.send(address, req); err != nil {
		cleanup()
		return packet{}, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		cleanup()
		return packet{}, Error.New("request %s to %s timed out", req.Type, address)
	case <-ctx.Done():
		cleanup()
		return packet{}, errs.Wrap(ctx.Err())
	}
}

func (t *transport) send(address string, pkt packet) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return errs.Wrap(err)
	}
	data, err := encodePacket(pkt)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(data, addr)
	return errs.Wrap(err)
}

func (t *transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// close shuts the socket down; readLoop exits and pending calls time
// out.
func (t *transport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return errs.Wrap(t.conn.Close())
}

func newRPCID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errs.Wrap(err)
	}
	return hex.EncodeToString(raw[:]), nil
}
