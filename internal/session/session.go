// Package session drives a single peer connection end to end: handshake,
// PWP framing, the choke/bitfield/have state machine, block request
// pipelining within a piece, and hash verification before handing the
// piece off to the shared FileStore. One PeerSession exists per remote
// endpoint and is destroyed when the connection closes.
package session

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/mwclient/leech/internal/errs"
	"github.com/mwclient/leech/internal/filestore"
	"github.com/mwclient/leech/internal/logging"
	"github.com/mwclient/leech/internal/metainfo"
	"github.com/mwclient/leech/internal/pwp"
)

// BlockLength is the unit of request over the wire. A piece consists of
// multiple blocks; only the final block of a piece may be shorter.
const BlockLength = 16384

const connectTimeout = 2 * time.Second

// Endpoint is a tracker-provided (ip, port) pair.
type Endpoint struct {
	IP   string
	Port uint16
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

// blockMap holds the expected block offsets for the piece currently being
// assembled. Keys are fixed when the piece starts and never change
// afterward; a nil value means "requested, not yet received".
type blockMap map[uint32][]byte

func (b blockMap) complete() bool {
	for _, v := range b {
		if v == nil {
			return false
		}
	}

	return true
}

// join concatenates the blocks in ascending offset order, independent of
// the order blocks actually arrived in.
func (b blockMap) join(total int64) []byte {
	offsets := make([]uint32, 0, len(b))
	for off := range b {
		offsets = append(offsets, off)
	}

	for i := 1; i < len(offsets); i++ {
		for j := i; j > 0 && offsets[j-1] > offsets[j]; j-- {
			offsets[j-1], offsets[j] = offsets[j], offsets[j-1]
		}
	}

	out := make([]byte, 0, total)
	for _, off := range offsets {
		out = append(out, b[off]...)
	}

	return out
}

// PeerSession owns one PWP connection and the piece it is currently
// assembling.
type PeerSession struct {
	id       string
	endpoint Endpoint
	peerID   [20]byte
	meta     *metainfo.TorrentMeta
	store    *filestore.FileStore

	conn net.Conn

	remoteHave  []bool
	amChoked    bool
	curPiece    int
	hasCurPiece bool
	curBlocks   blockMap
}

// New constructs a PeerSession for one remote endpoint. It does not
// connect; call Run to drive the connection lifecycle.
func New(endpoint Endpoint, peerID [20]byte, meta *metainfo.TorrentMeta, store *filestore.FileStore) *PeerSession {
	return &PeerSession{
		id:       uuid.NewString(),
		endpoint: endpoint,
		peerID:   peerID,
		meta:     meta,
		store:    store,
		amChoked: true,
	}
}

// Run connects, handshakes, and drives the message loop until the peer
// disconnects, a protocol error occurs, or the peer has nothing left to
// offer. Errors are logged with the endpoint and session id; Run never
// returns an error to the caller because one peer's failure must not
// affect any other peer's session.
func (s *PeerSession) Run() {
	conn, err := net.DialTimeout("tcp", s.endpoint.String(), connectTimeout)
	if err != nil {
		logging.Fail("session %s peer %s: %v: %v", s.id, s.endpoint, errs.ErrPeerConnectFailed, err)
		return
	}

	s.runConn(conn)
}

// runConn drives the handshake and message loop over an already-open
// connection. Split out from Run so tests can exercise the state machine
// over a net.Pipe without a real socket.
func (s *PeerSession) runConn(conn net.Conn) {
	s.conn = conn
	defer s.conn.Close()

	if err := s.handshake(); err != nil {
		logging.Fail("session %s peer %s: %v", s.id, s.endpoint, err)
		return
	}

	logging.Info("session %s peer %s: handshake complete", s.id, s.endpoint)

	s.loop()
}

func (s *PeerSession) handshake() error {
	local := pwp.Handshake{InfoHash: s.meta.InfoHash(), PeerID: s.peerID}
	if err := pwp.WriteHandshake(s.conn, local); err != nil {
		return fmt.Errorf("%w: sending handshake: %v", errs.ErrPeerProtocolError, err)
	}

	if _, err := pwp.ReadHandshake(s.conn); err != nil {
		return fmt.Errorf("%w: reading handshake: %v", errs.ErrPeerProtocolError, err)
	}

	return nil
}

// loop processes inbound messages strictly in arrival order, updating
// session state and pipelining new piece requests, until the connection
// closes or the peer has nothing left to offer.
func (s *PeerSession) loop() {
	for {
		msg, err := pwp.ReadMessage(s.conn)
		if err != nil {
			logging.Info("session %s peer %s: disconnecting: %v", s.id, s.endpoint, err)
			return
		}

		if msg == nil {
			logging.Info("session %s peer %s: keep-alive", s.id, s.endpoint)
		} else if !s.handleMessage(*msg) {
			return
		}

		if !s.hasCurPiece && !s.amChoked {
			started, err := s.startPiece()
			if err != nil {
				logging.Error("session %s peer %s: %v", s.id, s.endpoint, err)
				return
			}

			if !started {
				logging.Info("session %s peer %s: no more pieces available, closing", s.id, s.endpoint)
				return
			}
		}
	}
}

// handleMessage applies one inbound message to session state. It returns
// false when the session should close.
func (s *PeerSession) handleMessage(msg pwp.Message) bool {
	switch msg.ID {
	case pwp.Choke:
		s.amChoked = true

	case pwp.Unchoke:
		s.amChoked = false

	case pwp.Bitfield:
		s.remoteHave = decodeBitfield(msg.Payload, s.meta.PieceCount())
		if err := pwp.WriteInterested(s.conn); err != nil {
			logging.Fail("session %s peer %s: sending interested: %v", s.id, s.endpoint, err)
			return false
		}

	case pwp.Have:
		idx, err := pwp.DecodeHave(msg.Payload)
		if err != nil {
			logging.Fail("session %s peer %s: %v", s.id, s.endpoint, err)
			return false
		}

		s.applyHave(int(idx))

	case pwp.Piece:
		if err := s.handlePiece(msg.Payload); err != nil {
			logging.Error("session %s peer %s: %v", s.id, s.endpoint, err)
			return false
		}

	default:
		logging.Info("session %s peer %s: ignoring message id %d", s.id, s.endpoint, msg.ID)
	}

	return true
}

// applyHave ORs a newly-announced piece into remoteHave, so a peer that
// advertises pieces after its initial Bitfield stays usable instead of
// appearing to never acquire anything new.
func (s *PeerSession) applyHave(idx int) {
	if s.remoteHave == nil {
		s.remoteHave = make([]bool, s.meta.PieceCount())
	}

	for len(s.remoteHave) <= idx {
		s.remoteHave = append(s.remoteHave, false)
	}

	s.remoteHave[idx] = true
}

func decodeBitfield(payload []byte, pieceCount int) []bool {
	have := make([]bool, pieceCount)
	for i := 0; i < pieceCount; i++ {
		byteIdx, bitIdx := i/8, i%8
		if byteIdx >= len(payload) {
			break
		}

		have[i] = (payload[byteIdx]>>(7-bitIdx))&1 == 1
	}

	return have
}

// startPiece claims an available piece from the shared FileStore,
// partitions it into fixed-size blocks (the final block may be shorter),
// and pipelines all the Request messages without waiting for individual
// responses.
func (s *PeerSession) startPiece() (bool, error) {
	pieceID, ok := s.store.ClaimAvailable(s.remoteHave)
	if !ok {
		return false, nil
	}

	pieceLen := s.meta.PieceLen(pieceID)
	blocks := make(blockMap)

	for begin := int64(0); begin < pieceLen; begin += BlockLength {
		length := min(BlockLength, pieceLen-begin)
		blocks[uint32(begin)] = nil

		if err := pwp.WriteRequest(s.conn, uint32(pieceID), uint32(begin), uint32(length)); err != nil {
			s.store.Release(pieceID)
			return false, fmt.Errorf("%w: requesting piece %d: %v", errs.ErrPeerProtocolError, pieceID, err)
		}
	}

	s.curPiece = pieceID
	s.hasCurPiece = true
	s.curBlocks = blocks

	logging.Info("session %s peer %s: claimed piece %d (%d bytes, %d blocks)",
		s.id, s.endpoint, pieceID, pieceLen, len(blocks))

	return true, nil
}

// handlePiece assigns an incoming block and, once every block of the
// current piece is present, verifies and saves it.
func (s *PeerSession) handlePiece(payload []byte) error {
	index, begin, data, err := pwp.DecodePiece(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPeerProtocolError, err)
	}

	if !s.hasCurPiece || int(index) != s.curPiece {
		return fmt.Errorf("%w: piece message for %d, not currently assembling anything matching", errs.ErrPeerProtocolError, index)
	}

	if _, known := s.curBlocks[begin]; !known {
		return fmt.Errorf("%w: unexpected block offset %d for piece %d", errs.ErrPeerProtocolError, begin, index)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.curBlocks[begin] = buf

	if !s.curBlocks.complete() {
		return nil
	}

	return s.completePiece()
}

// completePiece concatenates blocks in ascending order, verifies the
// SHA-1 digest, and on success hands the piece to the FileStore. A hash
// mismatch or disk error releases the claim so the piece can be retried
// within this run instead of leaving the bit set forever.
func (s *PeerSession) completePiece() error {
	pieceLen := s.meta.PieceLen(s.curPiece)
	data := s.curBlocks.join(pieceLen)

	got := sha1.Sum(data)
	want := s.meta.PieceHash(s.curPiece)

	if !bytes.Equal(got[:], want[:]) {
		s.store.Release(s.curPiece)
		s.clearCurrent()
		return fmt.Errorf("%w: piece %d", errs.ErrPieceHashMismatch, s.curPiece)
	}

	if err := s.store.SavePiece(s.curPiece, data); err != nil {
		s.store.Release(s.curPiece)
		s.clearCurrent()
		return err
	}

	logging.Info("session %s peer %s: verified and saved piece %d", s.id, s.endpoint, s.curPiece)
	s.clearCurrent()

	return nil
}

func (s *PeerSession) clearCurrent() {
	s.hasCurPiece = false
	s.curBlocks = nil
}
