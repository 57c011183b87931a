// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"encoding/json"

	"github.com/zeebo/errs"
)

// Message types. PING is answered by PONG, FIND_NODE by NODES, STORE by
// STORED, and FIND_VALUE by VALUE when the key is stored, else NODES.
const (
	msgPing      = "PING"
	msgPong      = "PONG"
	msgFindNode  = "FIND_NODE"
	msgStore     = "STORE"
	msgFindValue = "FIND_VALUE"
	msgNodes     = "NODES"
	msgStored    = "STORED"
	msgValue     = "VALUE"
)

// packet is the single datagram envelope. Requests and responses share
// the shape; RPCID correlates a response with its pending request.
type packet struct {
	Type  string  `json:"type"`
	RPCID string  `json:"rpcId"`
	From  Contact `json:"from"`

	// FIND_NODE / FIND_VALUE request target.
	Target ID `json:"target,omitempty"`

	// STORE / FIND_VALUE payload. LastTouchedMS is unix milliseconds
	// of the counter's last write.
	Key           string  `json:"key,omitempty"`
	Value         float64 `json:"value,omitempty"`
	LastTouchedMS int64   `json:"lastTouchedMs,omitempty"`
	HasValue      bool    `json:"hasValue,omitempty"`

	// NODES contact payload.
	Contacts []Contact `json:"contacts,omitempty"`
}

// maxPacketSize bounds inbound datagrams. A NODES response with K
// contacts is well under this.
const maxPacketSize = 8192

func encodePacket(p packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if len(data) > maxPacketSize {
		return nil, errs.New("packet too large: %d bytes", len(data))
	}
	return data, nil
}

func decodePacket(data []byte) (packet, error) {
	var p packet
	if err := json.Unmarshal(data, &p); err != nil {
		return packet{}, errs.Wrap(err)
	}
	if p.Type == "" {
		return packet{}, errs.New("packet without type")
	}
	return p, nil
}

// isResponse reports whether a packet type answers a pending request.
func isResponse(typ string) bool {
	switch typ {
	case msgPong, msgNodes, msgStored, msgValue:
		return true
	}
	return false
}
