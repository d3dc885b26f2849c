// Package tracker announces a torrent to its HTTP tracker and decodes the
// compact peer list from the response. It is the one piece of the leech
// client that touches an external service other than the peers
// themselves.
package tracker

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/mwclient/leech/internal/errs"
	"github.com/mwclient/leech/internal/session"
)

const (
	clientPort     = 8861
	numWant        = 50
	requestTimeout = 15 * time.Second
)

// rawResponse mirrors the bencoded tracker reply.
type rawResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// Response is the parsed announce result.
type Response struct {
	Interval time.Duration
	Peers    []session.Endpoint
}

// Announce sends a single "started" GET request to trackerURL and parses
// the compact peer list from the bencoded response.
func Announce(trackerURL string, infoHash [20]byte, peerID string, totalSize int64) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing tracker url: %v", errs.ErrTrackerFailure, err)
	}

	q := url.Values{}
	q.Set("info_hash", string(infoHash[:]))
	q.Set("peer_id", peerID)
	q.Set("port", fmt.Sprintf("%d", clientPort))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", fmt.Sprintf("%d", totalSize))
	q.Set("event", "started")
	q.Set("compact", "1")
	q.Set("numwant", fmt.Sprintf("%d", numWant))
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: requestTimeout}

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", errs.ErrTrackerFailure, err)
	}
	req.Header.Set("User-Agent", "leech/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: contacting %s: %v", errs.ErrTrackerFailure, u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tracker returned status %d", errs.ErrTrackerFailure, resp.StatusCode)
	}

	var raw rawResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", errs.ErrTrackerFailure, err)
	}

	if raw.Failure != "" {
		return nil, fmt.Errorf("%w: %s", errs.ErrTrackerFailure, raw.Failure)
	}

	peers, err := parsePeers(raw.Peers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTrackerFailure, err)
	}

	return &Response{
		Interval: time.Duration(raw.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

// parsePeers splits a compact peer string into (ip, port) pairs: every
// 6 bytes is 4 bytes of IPv4 address followed by a big-endian port.
func parsePeers(peers string) ([]session.Endpoint, error) {
	raw := []byte(peers)
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("peers length %d is not a multiple of 6", len(raw))
	}

	out := make([]session.Endpoint, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		out = append(out, session.Endpoint{IP: ip, Port: port})
	}

	return out, nil
}
