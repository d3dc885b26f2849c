// Package pwp implements BitTorrent Peer Wire Protocol framing: the
// 68-byte handshake and the length-prefixed message stream that follows
// it. It knows nothing about pieces, files, or scheduling; it is pure
// wire format.
package pwp

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	protocolName  = "BitTorrent protocol"
	HandshakeLen  = 49 + len(protocolName)
	maxMessageLen = 1 << 20 // guards against a malicious/garbled length prefix
)

// MessageID identifies a PWP message type.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

// Message is a decoded PWP message. A KeepAlive is represented as a nil
// *Message from ReadMessage.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Handshake is the fixed 68-byte PWP handshake payload.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// WriteHandshake sends the handshake: protocol-name length, protocol
// name, 8 reserved zero bytes, info-hash, peer-id.
func WriteHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, hs.InfoHash[:]...)
	buf = append(buf, hs.PeerID[:]...)

	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads exactly HandshakeLen bytes and parses them. The
// remote's claimed info-hash is returned but not validated here, callers
// may reject a mismatch themselves.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}

	if buf[0] != byte(len(protocolName)) || string(buf[1:1+len(protocolName)]) != protocolName {
		return Handshake{}, fmt.Errorf("pwp: unrecognized protocol header")
	}

	var hs Handshake
	copy(hs.InfoHash[:], buf[1+len(protocolName)+8:1+len(protocolName)+8+20])
	copy(hs.PeerID[:], buf[1+len(protocolName)+8+20:])

	return hs, nil
}

// WriteMessage frames and writes msg: a 4-byte big-endian length prefix
// (id byte + payload), the id, then the payload.
func WriteMessage(w io.Writer, msg Message) error {
	buf := make([]byte, 4, 5+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(msg.Payload)))
	buf = append(buf, byte(msg.ID))
	buf = append(buf, msg.Payload...)

	_, err := w.Write(buf)
	return err
}

// WriteInterested writes the fixed 5-byte Interested message.
func WriteInterested(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 1, byte(Interested)})
	return err
}

// WriteRequest writes a Request(index, begin, length) message.
func WriteRequest(w io.Writer, index, begin, length uint32) error {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return WriteMessage(w, Message{ID: Request, Payload: payload})
}

// ReadMessage reads one length-prefixed frame. A zero-length frame (a
// keep-alive) is reported as (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}

	if length > maxMessageLen {
		return nil, fmt.Errorf("pwp: message too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return &Message{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

// DecodePiece splits a Piece message payload into (index, begin, data).
func DecodePiece(payload []byte) (index, begin uint32, data []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("pwp: piece payload too short: %d bytes", len(payload))
	}

	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	data = payload[8:]

	return index, begin, data, nil
}

// DecodeHave parses a Have message payload into a piece index.
func DecodeHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("pwp: have payload wrong size: %d bytes", len(payload))
	}

	return binary.BigEndian.Uint32(payload), nil
}
