// Command leech is a minimal BitTorrent leech client: given a .torrent
// file it contacts the tracker, connects to the peers it offers, and
// downloads every piece to -out, verifying each against its SHA-1 digest.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/mwclient/leech/internal/filestore"
	"github.com/mwclient/leech/internal/logging"
	"github.com/mwclient/leech/internal/metainfo"
	"github.com/mwclient/leech/internal/supervisor"
	"github.com/mwclient/leech/internal/tracker"
)

func main() {
	outDir := flag.String("out", ".", "directory to write downloaded files into")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: leech [-out dir] <path-to-torrent-file>\n")
		os.Exit(1)
	}

	if err := run(flag.Arg(0), *outDir); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}

func run(torrentPath, outDir string) error {
	meta, err := metainfo.Parse(torrentPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", torrentPath, err)
	}

	logging.Info("loaded %s", meta)

	peerID, err := metainfo.GeneratePeerID()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	resp, err := tracker.Announce(meta.TrackerURL(), meta.InfoHash(), peerID, meta.TotalSize())
	if err != nil {
		return fmt.Errorf("announcing to %s: %w", meta.TrackerURL(), err)
	}

	logging.Info("tracker returned %d peers, interval %s", len(resp.Peers), resp.Interval)

	store, err := filestore.New(meta, outDir)
	if err != nil {
		return fmt.Errorf("preparing output files: %w", err)
	}

	var localPeerID [20]byte
	copy(localPeerID[:], peerID)

	bar := progressbar.Default(int64(meta.PieceCount()), "downloading "+meta.Name())

	progress := make(chan int, 16)
	done := make(chan struct{})
	go func() {
		supervisor.Run(resp.Peers, localPeerID, meta, store, progress)
		close(done)
	}()

	for n := range progress {
		bar.Set(n)
	}
	<-done

	bar.Finish()

	if store.DoneCount() != meta.PieceCount() {
		return fmt.Errorf("download incomplete: %d/%d pieces verified", store.DoneCount(), meta.PieceCount())
	}

	fmt.Println("\ndownload complete")

	return nil
}
