// Package supervisor launches one PeerSession per tracker-provided
// endpoint and drives them all concurrently to completion.
package supervisor

import (
	"sync"
	"time"

	"github.com/mwclient/leech/internal/filestore"
	"github.com/mwclient/leech/internal/logging"
	"github.com/mwclient/leech/internal/metainfo"
	"github.com/mwclient/leech/internal/session"
)

// maxConcurrent bounds how many peer connections are attempted at once.
const maxConcurrent = 10

// progressPollInterval is how often Run samples the FileStore's done
// count while reporting progress.
const progressPollInterval = 500 * time.Millisecond

// Run spawns one PeerSession per endpoint, shares meta and store among
// them, and blocks until every session has exited. If progress is
// non-nil, it receives the number of verified pieces roughly every
// progressPollInterval until all sessions finish, and is closed before
// Run returns.
func Run(endpoints []session.Endpoint, peerID [20]byte, meta *metainfo.TorrentMeta, store *filestore.FileStore, progress chan<- int) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrent)

	for _, ep := range endpoints {
		wg.Add(1)
		sem <- struct{}{}

		go func(ep session.Endpoint) {
			defer func() {
				<-sem
				wg.Done()
			}()

			s := session.New(ep, peerID, meta, store)
			s.Run()
		}(ep)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if progress == nil {
		<-done
		return
	}

	defer close(progress)

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			progress <- store.DoneCount()
			logging.Info("supervisor: all %d sessions finished, %d/%d pieces verified",
				len(endpoints), store.DoneCount(), store.PieceCount())
			return

		case <-ticker.C:
			progress <- store.DoneCount()
		}
	}
}
