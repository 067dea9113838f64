// Package relayserver implements the standalone circuit-relay v2 process:
// a libp2p host offering only relay, identify, and ping, gating connections
// to peers that identify with the expected Cider protocol version and
// exposing connection/circuit counters over Prometheus.
package relayserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/cidertogether/core/config"
)

var log = logging.Logger("relayserver")

// identifyPollInterval is how often pending connections are checked both for
// having completed identify (verification) and for having exceeded their
// grace window (rejection). The original per-event identify callback is
// approximated here as a short poll of the peerstore's ProtocolVersion entry
// (the same field overlay.IdentifiedProtocol reads), since that avoids
// depending on an identify-completion event-bus type this module never
// needed elsewhere.
const identifyPollInterval = 1 * time.Second

// Server is a relay-only libp2p host with Cider-only connection gating.
type Server struct {
	host    host.Host
	cfg     config.Relay
	metrics *metrics

	mu           sync.Mutex
	pending      map[peer.ID]time.Time
	verified     map[peer.ID]bool
	circuitPeers map[peer.ID]bool
}

// New constructs the relay host. It listens on both TCP and QUIC, advertises
// cfg.ExpectedProtoID via identify, and enables the circuit-relay v2 service
// so other peers may reserve a slot and relay traffic through it.
func New(cfg config.Relay) (*Server, error) {
	priv, isNew, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new relay identity key: %s", cfg.KeyFile)
	} else {
		log.Infof("loaded relay identity key: %s", cfg.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.TCPPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.QUICPort),
		),
		libp2p.ProtocolVersion(cfg.ExpectedProtoID),
		libp2p.EnableRelayService(),
		libp2p.ForceReachabilityPublic(),
	)
	if err != nil {
		return nil, fmt.Errorf("relayserver: start host: %w", err)
	}

	s := &Server{
		host:         h,
		cfg:          cfg,
		metrics:      newMetrics(),
		pending:      make(map[peer.ID]time.Time),
		verified:     make(map[peer.ID]bool),
		circuitPeers: make(map[peer.ID]bool),
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    s.onConnected,
		DisconnectedF: s.onDisconnected,
	})
	return s, nil
}

// PeerID returns this relay's peer ID string.
func (s *Server) PeerID() string { return s.host.ID().String() }

// Addrs returns this relay's listen multiaddresses, each with its /p2p/<id>
// suffix, suitable for use as a P2P.RelayAddr by peer-side configs.
func (s *Server) Addrs() []string {
	self := "/p2p/" + s.host.ID().String()
	out := make([]string, 0, len(s.host.Addrs()))
	for _, a := range s.host.Addrs() {
		out = append(out, a.String()+self)
	}
	return out
}

// Close tears down the libp2p host.
func (s *Server) Close() error { return s.host.Close() }

// Run drives connection gating and (if enabled) the metrics HTTP server
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	log.Infof("relay listening, peer id %s", s.PeerID())
	for _, a := range s.Addrs() {
		log.Infof("relay addr: %s", a)
	}

	var httpSrv *http.Server
	httpErrCh := make(chan error, 1)
	if s.cfg.MetricsEnabled {
		httpSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: s.metrics.httpHandler()}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				httpErrCh <- err
			}
		}()
		log.Infof("metrics listening on %s", s.cfg.MetricsAddr)
	}

	ticker := time.NewTicker(identifyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if httpSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = httpSrv.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		case err := <-httpErrCh:
			return fmt.Errorf("relayserver: metrics server: %w", err)
		case <-ticker.C:
			s.sweepIdentify()
		}
	}
}

func (s *Server) onConnected(n network.Network, c network.Conn) {
	pid := c.RemotePeer()
	circuit := isCircuitAddr(c.RemoteMultiaddr())

	s.mu.Lock()
	if !s.verified[pid] {
		if _, already := s.pending[pid]; !already {
			s.pending[pid] = time.Now()
		}
	}
	if circuit {
		s.circuitPeers[pid] = true
	}
	count := len(n.Peers())
	s.mu.Unlock()

	s.metrics.totalConnections.Inc()
	s.metrics.connected(count)
	if circuit {
		s.metrics.activeCircuits.Inc()
		s.metrics.totalCircuits.Inc()
	}
	log.Infof("peer connected: %s (pending verification)", shortPeerID(pid))
}

func (s *Server) onDisconnected(n network.Network, c network.Conn) {
	pid := c.RemotePeer()

	s.mu.Lock()
	delete(s.pending, pid)
	wasVerified := s.verified[pid]
	delete(s.verified, pid)
	wasCircuit := s.circuitPeers[pid]
	delete(s.circuitPeers, pid)
	count := len(n.Peers())
	s.mu.Unlock()

	s.metrics.connected(count)
	if wasVerified {
		s.metrics.verifiedPeers.Dec()
	}
	if wasCircuit {
		s.metrics.activeCircuits.Dec()
	}
	log.Infof("peer disconnected: %s", shortPeerID(pid))
}

// sweepIdentify promotes newly-identified pending peers to verified and
// disconnects anyone who has overstayed cfg.IdentifyGraceSec without
// identifying as a Cider client.
func (s *Server) sweepIdentify() {
	grace := time.Duration(s.cfg.IdentifyGraceSec) * time.Second
	now := time.Now()

	s.mu.Lock()
	due := make([]peer.ID, 0, len(s.pending))
	for pid := range s.pending {
		due = append(due, pid)
	}
	s.mu.Unlock()

	for _, pid := range due {
		if proto, ok := s.protocolOf(pid); ok && proto == s.cfg.ExpectedProtoID {
			s.mu.Lock()
			delete(s.pending, pid)
			s.verified[pid] = true
			s.mu.Unlock()
			s.metrics.verifiedPeers.Inc()
			log.Infof("verified cider peer: %s (%s)", shortPeerID(pid), proto)
			continue
		}

		s.mu.Lock()
		connectedAt, stillPending := s.pending[pid]
		s.mu.Unlock()
		if !stillPending || now.Sub(connectedAt) <= grace {
			continue
		}

		log.Warnf("disconnecting %s: failed to identify within %s", shortPeerID(pid), grace)
		_ = s.host.Network().ClosePeer(pid)
		s.mu.Lock()
		delete(s.pending, pid)
		s.mu.Unlock()
		s.metrics.rejectedTotal.Inc()
	}
}

func (s *Server) protocolOf(pid peer.ID) (string, bool) {
	v, err := s.host.Peerstore().Get(pid, "ProtocolVersion")
	if err != nil {
		return "", false
	}
	sv, ok := v.(string)
	return sv, ok && sv != ""
}

func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func shortPeerID(pid peer.ID) string {
	s := pid.String()
	if len(s) <= 16 {
		return s
	}
	return s[:8] + "..." + s[len(s)-4:]
}
