package relayserver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/cidertogether/core/config"
)

const testProtoID = "/cider-together/1.0.0-test"

func newTestServer(t *testing.T, name string, graceSec int) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Relay{
		KeyFile:          filepath.Join(dir, name+".key"),
		TCPPort:          0,
		QUICPort:         0,
		ExpectedProtoID:  testProtoID,
		IdentifyGraceSec: graceSec,
		MetricsEnabled:   false,
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%s): %v", name, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newPlainHost builds a bare libp2p host advertising protoVersion, standing
// in for a connecting peer without pulling in the full overlay/pubsub stack.
func newPlainHost(t *testing.T, protoVersion string) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.ProtocolVersion(protoVersion),
	)
	if err != nil {
		t.Fatalf("newPlainHost: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestServerPeerIDAndAddrs(t *testing.T) {
	s := newTestServer(t, "solo", 30)
	if s.PeerID() == "" {
		t.Fatal("expected non-empty peer id")
	}
	addrs := s.Addrs()
	if len(addrs) == 0 {
		t.Fatal("expected at least one listen addr")
	}
	for _, a := range addrs {
		if a[len(a)-len(s.PeerID()):] != s.PeerID() {
			t.Errorf("addr %q missing /p2p suffix for %s", a, s.PeerID())
		}
	}
}

func TestConnectedCiderPeerIsVerified(t *testing.T) {
	s := newTestServer(t, "relay", 30)
	peerHost := newPlainHost(t, testProtoID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relayInfo := s.host.Peerstore().PeerInfo(s.host.ID())
	if err := peerHost.Connect(ctx, relayInfo); err != nil {
		t.Fatalf("connect: %v", err)
	}

	pid := peerHost.ID()

	// Identify runs asynchronously after connect; poll until the peerstore
	// reflects the remote's advertised protocol version or we time out.
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		_, isPending := s.pending[pid]
		s.mu.Unlock()
		if !isPending {
			break
		}
		if proto, ok := s.protocolOf(pid); ok && proto != "" {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.sweepIdentify()

	s.mu.Lock()
	verified := s.verified[pid]
	s.mu.Unlock()
	if !verified {
		t.Fatal("expected peer advertising the expected protocol to be verified")
	}
}

func TestUnidentifiedPeerIsRejectedAfterGrace(t *testing.T) {
	s := newTestServer(t, "strict", 1)
	other := newPlainHost(t, "/some-other-protocol/1.0.0")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relayInfo := s.host.Peerstore().PeerInfo(s.host.ID())
	if err := other.Connect(ctx, relayInfo); err != nil {
		t.Fatalf("connect: %v", err)
	}
	pid := other.ID()

	// Backdate the pending timestamp rather than sleeping past the grace
	// window, so the test stays fast regardless of identify's actual timing.
	s.mu.Lock()
	s.pending[pid] = time.Now().Add(-2 * time.Second)
	s.mu.Unlock()

	s.sweepIdentify()

	s.mu.Lock()
	_, stillPending := s.pending[pid]
	_, isVerified := s.verified[pid]
	s.mu.Unlock()

	if stillPending || isVerified {
		t.Fatal("expected mismatched-protocol peer to be neither pending nor verified after grace expiry")
	}
}

func TestMetricsConnectedTracksPeak(t *testing.T) {
	m := newMetrics()
	m.connected(3)
	m.connected(1)
	m.connected(5)
	m.connected(2)

	if m.peak != 5 {
		t.Fatalf("peak = %d, want 5", m.peak)
	}
}
