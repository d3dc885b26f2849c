package supervisor

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mwclient/leech/internal/filestore"
	"github.com/mwclient/leech/internal/metainfo"
	"github.com/mwclient/leech/internal/pwp"
	"github.com/mwclient/leech/internal/session"
)

func benStr(key, val string) []byte { return append(benKey(key), benRaw(val)...) }
func benBytes(key string, val []byte) []byte {
	return append(benKey(key), benRaw(string(val))...)
}
func benInt(key string, val int64) []byte {
	return append(benKey(key), []byte("i"+itoa(val)+"e")...)
}
func benKey(key string) []byte { return []byte(itoa(int64(len(key))) + ":" + key) }
func benRaw(s string) []byte   { return []byte(itoa(int64(len(s))) + ":" + s) }
func itoa(n int64) string {
	if n == 0 {
		return "0"
	}

	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}

	return string(digits)
}

// servePiece runs one accept loop on ln: for each connection it performs
// a handshake, announces ownership of every piece, and answers Requests
// until the peer disconnects.
func servePiece(t *testing.T, ln net.Listener, data []byte, pieceCount int) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		go func(conn net.Conn) {
			defer conn.Close()

			if _, err := pwp.ReadHandshake(conn); err != nil {
				return
			}
			if err := pwp.WriteHandshake(conn, pwp.Handshake{}); err != nil {
				return
			}

			bitfield := make([]byte, (pieceCount+7)/8)
			for i := 0; i < pieceCount; i++ {
				bitfield[i/8] |= 1 << (7 - uint(i%8))
			}

			if err := pwp.WriteMessage(conn, pwp.Message{ID: pwp.Bitfield, Payload: bitfield}); err != nil {
				return
			}

			msg, err := pwp.ReadMessage(conn)
			if err != nil || msg == nil || msg.ID != pwp.Interested {
				return
			}

			if err := pwp.WriteMessage(conn, pwp.Message{ID: pwp.Unchoke}); err != nil {
				return
			}

			for {
				msg, err := pwp.ReadMessage(conn)
				if err != nil {
					return
				}
				if msg == nil || msg.ID != pwp.Request {
					continue
				}

				index := binary.BigEndian.Uint32(msg.Payload[0:4])
				begin := binary.BigEndian.Uint32(msg.Payload[4:8])
				length := binary.BigEndian.Uint32(msg.Payload[8:12])

				payload := make([]byte, 8+length)
				binary.BigEndian.PutUint32(payload[0:4], index)
				binary.BigEndian.PutUint32(payload[4:8], begin)
				copy(payload[8:], data[begin:begin+length])

				if err := pwp.WriteMessage(conn, pwp.Message{ID: pwp.Piece, Payload: payload}); err != nil {
					return
				}
			}
		}(conn)
	}
}

func TestRunDownloadsFromMultiplePeers(t *testing.T) {
	pieceLength := int64(16384)
	data := make([]byte, pieceLength*2)
	for i := range data {
		data[i] = byte(i % 251)
	}

	hashes := make([]byte, 0, 40)
	for i := 0; i < 2; i++ {
		h := sha1.Sum(data[int64(i)*pieceLength : int64(i+1)*pieceLength])
		hashes = append(hashes, h[:]...)
	}

	var info []byte
	info = append(info, []byte("d")...)
	info = append(info, benInt("length", int64(len(data)))...)
	info = append(info, benStr("name", "f.bin")...)
	info = append(info, benInt("piece length", pieceLength)...)
	info = append(info, benBytes("pieces", hashes)...)
	info = append(info, []byte("e")...)

	var buf []byte
	buf = append(buf, []byte("d")...)
	buf = append(buf, benStr("announce", "http://tracker.example/announce")...)
	buf = append(buf, []byte("4:info")...)
	buf = append(buf, info...)
	buf = append(buf, []byte("e")...)

	dir := t.TempDir()
	path := filepath.Join(dir, "t.torrent")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	meta, err := metainfo.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	outDir := t.TempDir()
	store, err := filestore.New(meta, outDir)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}

	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln1.Close()

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln2.Close()

	go servePiece(t, ln1, data, 2)
	go servePiece(t, ln2, data, 2)

	port1 := ln1.Addr().(*net.TCPAddr).Port
	port2 := ln2.Addr().(*net.TCPAddr).Port

	endpoints := []session.Endpoint{
		{IP: "127.0.0.1", Port: uint16(port1)},
		{IP: "127.0.0.1", Port: uint16(port2)},
	}

	progress := make(chan int, 16)
	done := make(chan struct{})
	go func() {
		Run(endpoints, [20]byte{}, meta, store, progress)
		close(done)
	}()

	for range progress {
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not finish")
	}

	if store.DoneCount() != 2 {
		t.Fatalf("DoneCount = %d, want 2", store.DoneCount())
	}

	got, err := os.ReadFile(filepath.Join(outDir, "f.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(got, data) {
		t.Fatalf("file contents mismatch")
	}
}
