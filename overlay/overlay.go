// Package overlay composes the libp2p host used for room transport: gossip
// pub/sub, circuit-relay client, DCUtR hole punching, mDNS LAN discovery,
// identify, and keep-alive ping, over a shared TCP+Noise+Yamux and QUIC
// transport stack.
package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	relayv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/cidertogether/core/internal/util"
)

var log = logging.Logger("overlay")

func init() {
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

const (
	relayCleanupDelay   = 3 * time.Second
	relayConnectTimeout = 15 * time.Second
	relayPollDeadline   = 25 * time.Second
	relayRecoveryGrace  = 5 * time.Second
)

// Config parameterizes host construction. Overlay does not import the
// config package directly so it stays usable without pulling in JSON
// persistence concerns; callers pass the relevant fields from config.P2P.
type Config struct {
	ListenPort      int
	KeyFile         string
	MdnsTag         string
	ExpectedProtoID string
	// RelayAddr, if non-empty, is a multiaddr (including /p2p/<id>) for a
	// known circuit-relay server to reserve a slot on.
	RelayAddr string
}

// Overlay is a composed libp2p host plus the room-level gossip topic.
type Overlay struct {
	Host host.Host

	ps    *pubsub.PubSub
	ping  *ping.PingService
	mdns  mdns.Service

	topicMu sync.Mutex
	topic   *pubsub.Topic
	sub     *pubsub.Subscription

	relayPeer       *peer.AddrInfo
	relayRecoveryMu sync.Mutex

	expectedProtoID string
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent Ed25519 identity key from disk, or
// generates and saves a new one on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// New constructs the composed host and starts gossipsub and mDNS. It does
// not join any topic; call JoinTopic for that once a room code is known.
func New(ctx context.Context, cfg Config) (*Overlay, error) {
	priv, isNew, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", cfg.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", cfg.KeyFile)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.ListenPort),
		),
		libp2p.ProtocolVersion(cfg.ExpectedProtoID),
	}

	var relayPeer *peer.AddrInfo
	if cfg.RelayAddr != "" {
		ri, err := parseRelayAddr(cfg.RelayAddr)
		if err != nil {
			log.Warnf("relay: invalid relay address, skipping: %v", err)
		} else {
			relayPeer = ri
			opts = append(opts,
				libp2p.EnableRelay(),
				libp2p.EnableHolePunching(),
				libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*ri},
					autorelay.WithBootDelay(0),
					autorelay.WithBackoff(30*time.Second),
				),
				libp2p.ForceReachabilityPrivate(),
			)
			log.Infof("relay: enabled (relay peer %s, %d addrs)", ri.ID, len(ri.Addrs))
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	pingSvc := ping.NewPingService(h)

	md := mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Overlay{
		Host:            h,
		ps:              ps,
		ping:            pingSvc,
		mdns:            md,
		relayPeer:       relayPeer,
		expectedProtoID: cfg.ExpectedProtoID,
	}, nil
}

// PeerID returns this host's peer ID string.
func (o *Overlay) PeerID() string {
	return o.Host.ID().String()
}

// Addrs returns this host's current reachable multiaddresses (loopback and
// link-local filtered out) as strings, suitable for publishing to the
// signaling bus.
func (o *Overlay) Addrs() []string {
	self := "/p2p/" + o.Host.ID().String()
	var out []string
	for _, s := range wanAddrs(o.Host) {
		out = append(out, s+self)
	}
	return out
}

// Close tears down the host and its subsystems.
func (o *Overlay) Close() error {
	o.topicMu.Lock()
	if o.sub != nil {
		o.sub.Cancel()
	}
	if o.topic != nil {
		_ = o.topic.Close()
	}
	o.topicMu.Unlock()
	_ = o.mdns.Close()
	return o.Host.Close()
}

// JoinTopic joins (or rejoins) the given gossip topic and subscribes.
func (o *Overlay) JoinTopic(topicName string) error {
	o.topicMu.Lock()
	defer o.topicMu.Unlock()

	topic, err := o.ps.Join(topicName)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return err
	}
	o.topic = topic
	o.sub = sub
	return nil
}

// Publish sends raw bytes on the currently joined topic.
func (o *Overlay) Publish(ctx context.Context, data []byte) error {
	o.topicMu.Lock()
	topic := o.topic
	o.topicMu.Unlock()
	if topic == nil {
		return fmt.Errorf("overlay: not joined to a topic")
	}
	return topic.Publish(ctx, data)
}

// ReadLoop delivers every gossip message on the joined topic to onMessage
// until ctx is cancelled or the subscription ends. Messages authored by
// this host are not delivered.
func (o *Overlay) ReadLoop(ctx context.Context, onMessage func(fromPeer string, data []byte)) {
	o.topicMu.Lock()
	sub := o.sub
	o.topicMu.Unlock()
	if sub == nil {
		return
	}

	selfID := o.Host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		from := msg.GetFrom()
		if from == selfID {
			continue
		}
		onMessage(from.String(), msg.Data)
	}
}

// Dial attempts to connect to a peer given its advertised multiaddr
// strings, preferring direct addresses and falling back to any circuit
// (relay) addresses among them.
func (o *Overlay) Dial(ctx context.Context, peerID string, addrs []string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("overlay: decode peer id: %w", err)
	}

	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}

	if len(direct) > 0 {
		o.Host.Peerstore().AddAddrs(pid, direct, util.DefaultFetchTimeout*4)
		if err := o.Host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: direct}); err == nil {
			return nil
		}
	}
	if len(circuit) > 0 {
		o.Host.Peerstore().AddAddrs(pid, circuit, util.DefaultFetchTimeout*40)
		return o.Host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: circuit})
	}
	return fmt.Errorf("overlay: no usable address for peer %s", peerID)
}

// Ping measures round-trip time to a connected peer using libp2p's
// keep-alive ping protocol (distinct from the application-level Ping/Pong
// sync messages, which ride the gossip topic instead).
func (o *Overlay) Ping(ctx context.Context, peerID string) (time.Duration, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return 0, err
	}
	res := <-o.ping.Ping(ctx, pid)
	return res.RTT, res.Error
}

// IdentifiedProtocol returns the protocol version a connected peer
// advertised via identify, or "" if not yet identified.
func (o *Overlay) IdentifiedProtocol(peerID string) string {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return ""
	}
	return o.identifiedProtocolOf(pid)
}

func (o *Overlay) identifiedProtocolOf(pid peer.ID) string {
	v, err := o.Host.Peerstore().Get(pid, "ProtocolVersion")
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// KeepAliveInterval is the §4.6 item 6 round-trip probe interval used to
// detect silently-dead connections, also used to cadence the protocol-
// mismatch sweep below. The session orchestrator ticks KeepAliveTick at
// this interval alongside its own host/listener tickers.
const KeepAliveInterval = 15 * time.Second

// KeepAliveTick pings each connected peer over libp2p's keep-alive ping
// protocol to detect silently-dead connections, and disconnects any peer
// whose identified protocol version doesn't match ours (the peer-to-peer
// counterpart of relayserver's identify gating).
func (o *Overlay) KeepAliveTick(ctx context.Context) {
	for _, pid := range o.Host.Network().Peers() {
		if proto := o.identifiedProtocolOf(pid); proto != "" && proto != o.expectedProtoID {
			log.Warnf("disconnecting %s: protocol mismatch (%s)", pid, proto)
			_ = o.Host.Network().ClosePeer(pid)
			continue
		}
		go func(pid peer.ID) {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			res := <-o.ping.Ping(pingCtx, pid)
			if res.Error != nil {
				log.Debugf("keep-alive ping to %s failed: %v", pid, res.Error)
			}
		}(pid)
	}
}

func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func (o *Overlay) hasCircuitAddr() bool {
	for _, a := range o.Host.Addrs() {
		if isCircuitAddr(a) {
			return true
		}
	}
	return false
}

func parseRelayAddr(s string) (*peer.AddrInfo, error) {
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(a)
}

// WaitForRelayReservation polls for a circuit (relay-reserved) address to
// appear, returning true once it does or false on timeout. It returns false
// at once when no relay is configured.
func (o *Overlay) WaitForRelayReservation(ctx context.Context, timeout time.Duration) bool {
	if o.relayPeer == nil {
		return false
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if o.hasCircuitAddr() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

// StartRelayMaintenance runs for the lifetime of ctx, watching for circuit
// address loss and periodically verifying the reservation is healthy,
// actively recovering it when the relay's data path has silently died.
func (o *Overlay) StartRelayMaintenance(ctx context.Context) {
	if o.relayPeer == nil {
		return
	}
	o.subscribeAddressChanges(ctx)
	o.startPeriodicRefresh(ctx, 2*time.Minute)
}

func (o *Overlay) subscribeAddressChanges(ctx context.Context) {
	sub, err := o.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		log.Warnf("relay: failed to subscribe to address changes: %v", err)
		return
	}

	hadCircuit := o.hasCircuitAddr()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Out():
				has := o.hasCircuitAddr()
				if has != hadCircuit {
					if !has {
						log.Info("relay: circuit address lost, recovering")
						o.recoverRelay(ctx)
					}
					hadCircuit = has
				}
			}
		}
	}()
}

func (o *Overlay) startPeriodicRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if o.hasCircuitAddr() {
					continue
				}
				o.ensureRelayReservation(ctx)
			}
		}
	}()
}

func (o *Overlay) recoverRelay(ctx context.Context) {
	select {
	case <-time.After(relayRecoveryGrace):
	case <-ctx.Done():
		return
	}
	if o.hasCircuitAddr() {
		return
	}
	o.ensureRelayReservation(ctx)
}

// ensureRelayReservation tears down the relay connection, reconnects, and
// confirms a fresh reservation, grounded on the refresh/recovery sequence
// used to keep circuit relay v2 reservations alive in practice.
func (o *Overlay) ensureRelayReservation(ctx context.Context) {
	if !o.relayRecoveryMu.TryLock() {
		return
	}
	defer o.relayRecoveryMu.Unlock()

	conns := o.Host.Network().ConnsToPeer(o.relayPeer.ID)
	if len(conns) > 0 {
		for _, c := range conns {
			_ = c.Close()
		}
		select {
		case <-time.After(relayCleanupDelay):
		case <-ctx.Done():
			return
		}
	}

	if sw, ok := o.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(o.relayPeer.ID)
	}
	o.Host.Peerstore().AddAddrs(o.relayPeer.ID, o.relayPeer.Addrs, 10*time.Minute)

	connCtx, cancel := context.WithTimeout(ctx, relayConnectTimeout)
	defer cancel()
	if err := o.Host.Connect(connCtx, *o.relayPeer); err != nil {
		log.Warnf("relay: recovery connect failed: %v", err)
		return
	}

	resCtx, resCancel := context.WithTimeout(ctx, 15*time.Second)
	_, resErr := relayv2client.Reserve(resCtx, o.Host, *o.relayPeer)
	resCancel()
	if resErr != nil {
		log.Warnf("relay: direct reservation request failed: %v", resErr)
	}

	deadline := time.After(relayPollDeadline)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			log.Warn("relay: reservation not restored within poll deadline")
			return
		case <-tick.C:
			if o.hasCircuitAddr() {
				log.Info("relay: reservation confirmed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// wanAddrs filters out loopback/link-local addresses, always keeping
// circuit (relay) addresses since they represent a public path.
func wanAddrs(h host.Host) []string {
	var out []string
	for _, a := range h.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}
