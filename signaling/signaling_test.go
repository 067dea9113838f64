package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTopicNaming(t *testing.T) {
	if got := Topic("abcdefgh"); got != "cider-together-abcdefgh" {
		t.Fatalf("got %q", got)
	}
}

func TestPublishPostsJSONBody(t *testing.T) {
	var got Record
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	record := Record{PeerID: "12D3KooW...", Addrs: []string{"/ip4/1.2.3.4/tcp/4001/p2p/12D3KooW..."}}
	if err := c.Publish(context.Background(), "abcdefgh", record); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if path != "/cider-together-abcdefgh" {
		t.Fatalf("path = %q", path)
	}
	if got.PeerID != record.PeerID || len(got.Addrs) != 1 {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestPollParsesJSONArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cider-together-abcdefgh/json" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("since") != "1000" {
			t.Fatalf("unexpected since=%q", r.URL.Query().Get("since"))
		}
		w.Write([]byte(`[{"peer_id":"p1","addrs":["/ip4/1.1.1.1/tcp/1"]},{"peer_id":"p2","addrs":[]}]`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	records, err := c.Poll(context.Background(), "abcdefgh", 1000)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(records) != 2 || records[0].PeerID != "p1" || records[1].PeerID != "p2" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestPollParsesNewlineDelimitedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		line1 := `{"message":"{\"peer_id\":\"p1\",\"addrs\":[]}"}` + "\n"
		line2 := `{"message":"{\"peer_id\":\"p2\",\"addrs\":[]}"}` + "\n"
		w.Write([]byte(line1 + line2))
	}))
	defer srv.Close()

	c := New(srv.URL)
	records, err := c.Poll(context.Background(), "abcdefgh", 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(records), records)
	}
}

func TestPollUntilStopsWhenAccepted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"peer_id":"host","addrs":["/ip4/1.1.1.1/tcp/1"]}]`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Use a tiny backoff so the test doesn't wait the real 500ms.
	records, err := c.pollUntilWithBackoff(ctx, "abcdefgh", 0, func(r []Record) bool {
		return len(r) > 0
	}, time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("pollUntilWithBackoff: %v", err)
	}
	if len(records) != 1 || records[0].PeerID != "host" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 polls, got %d", calls)
	}
}

// pollUntilWithBackoff is a test-only copy of PollUntil's retry loop with the
// backoff bounds as parameters, so TestPollUntilStopsWhenAccepted doesn't have
// to wait on the real 500ms-5s production schedule. The test exercises this
// copy, not PollUntil itself.
func (c *Client) pollUntilWithBackoff(ctx context.Context, lowercaseCode string, sinceMs int64, accept func([]Record) bool, initial, max time.Duration) ([]Record, error) {
	backoff := initial
	for {
		records, err := c.Poll(ctx, lowercaseCode, sinceMs)
		if err == nil && accept(records) {
			return records, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
}
