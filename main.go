// Command cidertogether runs either a peer (the libp2p overlay, room
// session, and player/signaling clients) or a standalone relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/cidertogether/core/callback"
	"github.com/cidertogether/core/config"
	"github.com/cidertogether/core/relayserver"
	"github.com/cidertogether/core/session"
	"github.com/cidertogether/core/syncproto"
)

var log = logging.Logger("main")

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "peer":
		runPeer(os.Args[2:])
	case "relay":
		runRelay(os.Args[2:])
	case "-h", "--help", "help":
		showUsage()
	case "-version", "--version", "version":
		fmt.Printf("cidertogether v%s\n", appVersion)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		showUsage()
		os.Exit(2)
	}
}

func showUsage() {
	fmt.Println("cidertogether - synchronized listening over a peer-to-peer overlay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  cidertogether peer --config <path> [--room <code>] [--display-name <name>]")
	fmt.Println("  cidertogether relay [--listen-port <u16>] [--expected-protocol <id>]")
	fmt.Println("                      [--metrics-port <u16>] [--no-metrics] [--key-file <path>]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h, --help     Show this help message")
	fmt.Println("  -version       Show version information")
}

func runPeer(args []string) {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	cfgPath := fs.String("config", "cider.json", "path to the peer config file")
	roomCode := fs.String("room", "", "join this room code instead of creating a new room")
	displayName := fs.String("display-name", "", "display name shown to other participants")
	fs.Parse(args)

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("load config %s: %v", *cfgPath, err)
	}
	if created {
		log.Infof("wrote default config to %s", *cfgPath)
	}
	if *displayName != "" {
		cfg.Identity.DisplayName = *displayName
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifySignals(cancel)

	sess, err := session.New(cfg, &logCallback{})
	if err != nil {
		log.Fatalf("start session: %v", err)
	}
	defer sess.Close()

	go sess.Run(ctx)

	if *roomCode != "" {
		if err := sess.JoinRoom(*roomCode, cfg.Identity.DisplayName); err != nil {
			log.Fatalf("join room %s: %v", *roomCode, err)
		}
		log.Infof("searching for room %s", *roomCode)
	} else {
		code, err := sess.CreateRoom(cfg.Identity.DisplayName)
		if err != nil {
			log.Fatalf("create room: %v", err)
		}
		log.Infof("created room %s", code)
	}

	<-ctx.Done()
	log.Info("shutting down")
	_ = sess.LeaveRoom()
}

func runRelay(args []string) {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to a relay config file (overrides individual flags below)")
	listenPort := fs.Int("listen-port", 4001, "TCP and QUIC listen port")
	expectedProto := fs.String("expected-protocol", "/cider-together/1.0.0", "required identify protocol version")
	keyFile := fs.String("key-file", "data/relay.key", "path to the relay's persisted identity key")
	metricsPort := fs.Int("metrics-port", 9100, "Prometheus /metrics listen port on 127.0.0.1")
	noMetrics := fs.Bool("no-metrics", false, "disable the /metrics HTTP endpoint")
	fs.Parse(args)

	relayCfg := config.Relay{
		KeyFile:          *keyFile,
		TCPPort:          *listenPort,
		QUICPort:         *listenPort,
		ExpectedProtoID:  *expectedProto,
		IdentifyGraceSec: 30,
		MetricsAddr:      fmt.Sprintf("127.0.0.1:%d", *metricsPort),
		MetricsEnabled:   !*noMetrics,
	}
	if *cfgPath != "" {
		full, err := config.Load(*cfgPath)
		if err != nil {
			log.Errorf("load config %s: %v", *cfgPath, err)
			os.Exit(2)
		}
		relayCfg = full.Relay
	}

	srv, err := relayserver.New(relayCfg)
	if err != nil {
		log.Errorf("start relay: %v", err)
		os.Exit(3)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifySignals(cancel)

	if err := srv.Run(ctx); err != nil {
		log.Errorf("relay exited: %v", err)
		os.Exit(3)
	}
}

func notifySignals(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}

// logCallback reports Session events to the structured logger, the simplest
// Callback implementation that doesn't require an embedding UI.
type logCallback struct{}

func (logCallback) OnRoomStateChanged(state callback.RoomState) {
	log.Infof("room state: code=%s host=%s participants=%d", state.RoomCode, state.HostPeerID, len(state.Participants))
}

func (logCallback) OnTrackChanged(track *syncproto.TrackInfo) {
	if track == nil {
		return
	}
	log.Infof("track changed: %s", track.SongID)
}

func (logCallback) OnPlaybackChanged(playback syncproto.PlaybackInfo) {
	log.Infof("playback changed: playing=%v position=%dms", playback.IsPlaying, playback.PositionMs)
}

func (logCallback) OnParticipantJoined(participant syncproto.Participant) {
	log.Infof("participant joined: %s", participant.PeerID)
}

func (logCallback) OnParticipantLeft(peerID string) {
	log.Infof("participant left: %s", peerID)
}

func (logCallback) OnRoomEnded(reason string) {
	log.Infof("room ended: %s", reason)
}

func (logCallback) OnError(message string) {
	log.Warnf("session error: %s", message)
}

func (logCallback) OnConnected() {
	log.Info("overlay connected")
}

func (logCallback) OnDisconnected() {
	log.Info("overlay disconnected")
}

func (logCallback) OnSyncStatus(status callback.SyncStatus) {
	log.Debugf("sync status: drift=%dms latency=%dms", status.DriftMs, status.LatencyMs)
}
