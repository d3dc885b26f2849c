// Package filestore owns the on-disk layout of a torrent's download: it
// pre-allocates every declared file, arbitrates which piece each peer
// session may claim, and scatter-writes verified pieces across the file
// set.
package filestore

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/mwclient/leech/internal/errs"
	"github.com/mwclient/leech/internal/metainfo"
)

// file is one entry of the torrent's virtual byte stream, resolved to an
// absolute path with its offset into that stream.
type file struct {
	path   string
	length int64
	offset int64
}

// FileStore owns the output files and the claim bitmap shared by every
// PeerSession downloading this torrent.
type FileStore struct {
	files       []file
	pieceLength int64
	pieceCount  int
	totalSize   int64

	mu        sync.Mutex
	claimed   []bool
	done      []bool
	doneCount int
}

// New pre-allocates every file declared by meta under outDir and returns
// a FileStore ready to arbitrate piece claims.
func New(meta *metainfo.TorrentMeta, outDir string) (*FileStore, error) {
	entries := meta.Files()
	files := make([]file, 0, len(entries))

	var offset int64
	for _, e := range entries {
		path := filepath.Join(outDir, e.Path)
		if err := allocate(path, e.Length); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrDiskIOError, err)
		}

		files = append(files, file{path: path, length: e.Length, offset: offset})
		offset += e.Length
	}

	return &FileStore{
		files:       files,
		pieceLength: meta.PieceLength(),
		pieceCount:  meta.PieceCount(),
		totalSize:   meta.TotalSize(),
		claimed:     make([]bool, meta.PieceCount()),
		done:        make([]bool, meta.PieceCount()),
	}, nil
}

// allocate creates path (and its parent directories) and extends it to
// exactly length bytes. A single zero byte written at length-1 is enough
// to reach that size on a sparse-file-capable filesystem.
func allocate(path string, length int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if length == 0 {
		return nil
	}

	if _, err := f.WriteAt([]byte{0}, length-1); err != nil {
		return fmt.Errorf("truncating %s to %d bytes: %w", path, length, err)
	}

	return nil
}

// PieceCount is the number of pieces in the torrent.
func (fs *FileStore) PieceCount() int { return fs.pieceCount }

// ClaimAvailable picks a uniformly random piece that remoteHave offers
// and that no session has claimed yet, marks it claimed, and returns it.
// The scan, pick, and mark happen inside one critical section so two
// concurrent sessions can never claim the same piece.
func (fs *FileStore) ClaimAvailable(remoteHave []bool) (int, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var candidates []int
	for i := 0; i < fs.pieceCount; i++ {
		if !fs.claimed[i] && i < len(remoteHave) && remoteHave[i] {
			candidates = append(candidates, i)
		}
	}

	if len(candidates) == 0 {
		return 0, false
	}

	chosen := candidates[rand.Intn(len(candidates))]
	fs.claimed[chosen] = true

	return chosen, true
}

// Release clears the claim bit for a piece that failed verification or
// could not be written to disk, so another session may retry it within
// the same run, rather than leaving the bit permanently set with no
// session ever able to reclaim it.
func (fs *FileStore) Release(pieceID int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.claimed[pieceID] = false
}

// SavePiece writes a verified piece's bytes to every file whose byte
// range overlaps the piece's range in the virtual stream.
func (fs *FileStore) SavePiece(pieceID int, data []byte) error {
	pieceStart := int64(pieceID) * fs.pieceLength
	pieceEnd := pieceStart + int64(len(data))

	for _, f := range fs.files {
		fileStart := f.offset
		fileEnd := f.offset + f.length

		start := max(pieceStart, fileStart)
		end := min(pieceEnd, fileEnd)
		if start >= end {
			continue
		}

		if err := writeRange(f, start, end, pieceStart, data); err != nil {
			return fmt.Errorf("%w: piece %d into %s: %v", errs.ErrDiskIOError, pieceID, f.path, err)
		}
	}

	fs.mu.Lock()
	if !fs.done[pieceID] {
		fs.done[pieceID] = true
		fs.doneCount++
	}
	fs.mu.Unlock()

	return nil
}

// DoneCount is the number of pieces that have been verified and written
// so far, for progress reporting.
func (fs *FileStore) DoneCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.doneCount
}

func writeRange(f file, start, end, pieceStart int64, data []byte) error {
	fh, err := os.OpenFile(f.path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer fh.Close()

	chunk := data[start-pieceStart : end-pieceStart]
	if _, err := fh.WriteAt(chunk, start-f.offset); err != nil {
		return err
	}

	return fh.Sync()
}
