package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func bencStr(key, val string) string {
	return itoa(len(key)) + ":" + key + itoa(len(val)) + ":" + val
}

func itoa(n int) string {
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

func TestAnnounceParsesCompactPeers(t *testing.T) {
	peers := string([]byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2})

	body := "d" +
		"8:intervali1800e" +
		bencStr("peers", peers) +
		"e"

	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(body))
	}))
	defer server.Close()

	resp, err := Announce(server.URL+"/announce", [20]byte{1, 2, 3}, "-MW-0123456789abcdef", 1000)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if len(resp.Peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(resp.Peers))
	}

	if resp.Peers[0].IP != "127.0.0.1" || resp.Peers[0].Port != 0x1AE1 {
		t.Fatalf("peer 0 = %+v", resp.Peers[0])
	}

	if resp.Peers[1].IP != "10.0.0.2" || resp.Peers[1].Port != 0x1AE2 {
		t.Fatalf("peer 1 = %+v", resp.Peers[1])
	}

	if resp.Interval.Seconds() != 1800 {
		t.Fatalf("interval = %v, want 1800s", resp.Interval)
	}

	if !contains(gotQuery, "compact=1") || !contains(gotQuery, "numwant=50") || !contains(gotQuery, "event=started") {
		t.Fatalf("query missing required params: %s", gotQuery)
	}
}

func TestAnnounceFailureReason(t *testing.T) {
	body := "d" + bencStr("failure reason", "unregistered torrent") + "e"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer server.Close()

	_, err := Announce(server.URL+"/announce", [20]byte{}, "-MW-0123456789abcdef", 0)
	if err == nil {
		t.Fatalf("expected an error for a failure-reason response")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}

	return false
}
