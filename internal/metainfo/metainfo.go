// Package metainfo parses a .torrent file into an immutable TorrentMeta
// value object: piece geometry, the ordered file list, and the tracker
// URL selection. It is a pure accessor over the decoded dictionary; it
// does not touch the network or the filesystem beyond reading the source
// file once.
package metainfo

import (
	"bytes"
	crand "crypto/rand"
	"crypto/sha1"
	"fmt"
	"os"
	"strings"

	"github.com/jackpal/bencode-go"

	"github.com/mwclient/leech/internal/errs"
)

const hashLen = 20

const (
	peerIDPrefix = "-MW-"
	peerIDLength = 20
	peerIDChars  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// GeneratePeerID returns a fresh 20-byte ASCII peer-id: the prefix "-MW-"
// followed by 16 characters drawn uniformly from [a-z0-9].
func GeneratePeerID() (string, error) {
	// Random bytes at or above limit are discarded so that the modulo
	// below maps onto every character with equal probability.
	limit := 256 - 256%len(peerIDChars)

	id := []byte(peerIDPrefix)
	var b [1]byte
	for len(id) < peerIDLength {
		if _, err := crand.Read(b[:]); err != nil {
			return "", fmt.Errorf("generating peer id: %v", err)
		}

		if int(b[0]) >= limit {
			continue
		}

		id = append(id, peerIDChars[int(b[0])%len(peerIDChars)])
	}

	return string(id), nil
}

// FileEntry is one file of the torrent's virtual concatenated byte stream.
type FileEntry struct {
	Path   string // relative path, joined with "/"
	Length int64
}

// TorrentMeta is the immutable, parsed view of a .torrent file.
type TorrentMeta struct {
	name        string
	pieceLength int64
	totalSize   int64
	pieceHashes [][hashLen]byte
	files       []FileEntry
	infoHash    [hashLen]byte
	trackerURL  string
}

// Parse reads and decodes the .torrent file at path.
func Parse(path string) (*TorrentMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", errs.ErrMetainfoInvalid, path, err)
	}

	var raw rawFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding %q: %v", errs.ErrMetainfoInvalid, path, err)
	}

	if len(raw.Info.Pieces)%hashLen != 0 {
		return nil, fmt.Errorf("%w: pieces length %d is not a multiple of %d",
			errs.ErrMetainfoInvalid, len(raw.Info.Pieces), hashLen)
	}

	if raw.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: non-positive piece length", errs.ErrMetainfoInvalid)
	}

	pieceCount := len(raw.Info.Pieces) / hashLen
	if pieceCount == 0 {
		return nil, fmt.Errorf("%w: zero pieces", errs.ErrMetainfoInvalid)
	}

	hashes := make([][hashLen]byte, pieceCount)
	for i := range hashes {
		copy(hashes[i][:], raw.Info.Pieces[i*hashLen:(i+1)*hashLen])
	}

	files, totalSize, err := buildFiles(raw.Info)
	if err != nil {
		return nil, err
	}

	if want := (totalSize + raw.Info.PieceLength - 1) / raw.Info.PieceLength; int64(pieceCount) != want {
		return nil, fmt.Errorf("%w: %d piece hashes for %d bytes at piece length %d, want %d",
			errs.ErrMetainfoInvalid, pieceCount, totalSize, raw.Info.PieceLength, want)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMetainfoInvalid, err)
	}

	trackerURL, err := chooseTracker(raw)
	if err != nil {
		return nil, err
	}

	return &TorrentMeta{
		name:        raw.Info.Name,
		pieceLength: raw.Info.PieceLength,
		totalSize:   totalSize,
		pieceHashes: hashes,
		files:       files,
		infoHash:    sha1.Sum(infoBytes),
		trackerURL:  trackerURL,
	}, nil
}

// buildFiles derives the ordered file list. Single-file torrents have one
// entry named after info.name; multi-file torrents join info.name with
// each entry's path segments.
func buildFiles(info rawInfo) ([]FileEntry, int64, error) {
	if len(info.Files) == 0 {
		if info.Length <= 0 {
			return nil, 0, fmt.Errorf("%w: single-file torrent has non-positive length", errs.ErrMetainfoInvalid)
		}

		return []FileEntry{{Path: info.Name, Length: info.Length}}, info.Length, nil
	}

	files := make([]FileEntry, 0, len(info.Files))

	var total int64
	for _, entry := range info.Files {
		parts := append([]string{info.Name}, entry.Path...)
		files = append(files, FileEntry{Path: strings.Join(parts, "/"), Length: entry.Length})
		total += entry.Length
	}

	return files, total, nil
}

// chooseTracker prefers announce if it looks like HTTP, otherwise scans
// announce-list for the first tier entry that starts with "http" and
// ends with "announce". Only one tracker is ever contacted; failover
// across the rest of announce-list is not implemented.
func chooseTracker(raw rawFile) (string, error) {
	if strings.HasPrefix(raw.Announce, "http") {
		return raw.Announce, nil
	}

	for _, tier := range raw.AnnounceList {
		for _, url := range tier {
			if strings.HasPrefix(url, "http") && strings.HasSuffix(url, "announce") {
				return url, nil
			}
		}
	}

	return "", errs.ErrNoUsableTracker
}

// extractInfoBytes locates the raw bencoded "info" subtree by walking the
// dictionary/list/integer/string grammar by hand, so the info-hash is
// computed over the bit-exact bytes as they appeared on disk rather than
// a re-encoding of the decoded struct (re-encoding can reorder or
// reformat fields and would produce a different SHA-1).
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no %q prefix found", "4:info")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length := 0
					for _, c := range data[i:j] {
						length = length*10 + int(c-'0')
					}
					j++
					i = j + length - 1
				}
			}
		}
	}

	return nil, fmt.Errorf("unterminated info dict")
}

// Name is the torrent's declared name (the directory name for multi-file
// torrents, the file name for single-file torrents).
func (m *TorrentMeta) Name() string { return m.name }

// PieceLength is the size in bytes of a full piece; the last piece may be
// shorter.
func (m *TorrentMeta) PieceLength() int64 { return m.pieceLength }

// TotalSize is the sum of all file lengths.
func (m *TorrentMeta) TotalSize() int64 { return m.totalSize }

// PieceCount is ceil(TotalSize / PieceLength).
func (m *TorrentMeta) PieceCount() int { return len(m.pieceHashes) }

// Files is the ordered file list forming the virtual byte stream.
func (m *TorrentMeta) Files() []FileEntry { return m.files }

// InfoHash is the SHA-1 of the bit-exact bencoded info subtree.
func (m *TorrentMeta) InfoHash() [hashLen]byte { return m.infoHash }

// TrackerURL is the chosen HTTP announce URL.
func (m *TorrentMeta) TrackerURL() string { return m.trackerURL }

// PieceHash returns the expected SHA-1 digest of piece i.
func (m *TorrentMeta) PieceHash(i int) [hashLen]byte { return m.pieceHashes[i] }

// PieceLen returns the actual byte length of piece i; every piece but the
// last is PieceLength, and the last is whatever remains of TotalSize.
func (m *TorrentMeta) PieceLen(i int) int64 {
	start := int64(i) * m.pieceLength
	end := start + m.pieceLength
	if end > m.totalSize {
		end = m.totalSize
	}

	return end - start
}

// String renders the metadata for logging with the piece-hash table
// omitted, since a full piece table is often megabytes and useless in a
// log line.
func (m *TorrentMeta) String() string {
	return fmt.Sprintf("TorrentMeta{name=%q pieceLength=%d totalSize=%d pieceCount=%d files=%d infoHash=%x tracker=%q pieces=OMITTED}",
		m.name, m.pieceLength, m.totalSize, len(m.pieceHashes), len(m.files), m.infoHash, m.trackerURL)
}
