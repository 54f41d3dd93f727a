package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/caelansar/caetun/conf"
	"github.com/caelansar/caetun/tunnel"
)

const banner = `
                      __
  ____ _____    _____/  |_ __ __  ____
_/ ___\\__  \ _/ __ \   __\  |  \/    \
\  \___ / __ \\  ___/|  | |  |  /   |  \
 \___  >____  /\___  >__| |____/|___|  /
     \/     \/     \/                \/
`

func main() {
	// Deployment glue may ship settings via a .env file next to the
	// binary; absence is fine.
	godotenv.Load()

	confPath := flag.String("conf", os.Getenv("CAETUN_CONF"), "path to the configuration file")
	peer := flag.String("peer", os.Getenv("CAETUN_PEER"), "peer host:port override (client role shorthand)")
	trace := flag.Bool("trace", os.Getenv("CAETUN_TRACE") == "1", "log a summary of every forwarded packet")
	flag.Parse()

	fmt.Print(banner, "\n")

	if *confPath == "" {
		log.Println("missing --conf (or CAETUN_CONF)")
		os.Exit(1)
	}

	// Configuration must resolve before any network or interface
	// resource is acquired.
	cfg, err := conf.ResolveWithPeer(*confPath, *peer)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	if err := run(cfg, *trace); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func run(cfg *conf.SessionConfig, trace bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	secret, err := cfg.SessionSecret()
	if err != nil {
		return fmt.Errorf("derive session secret: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(cfg.ListenPort)})
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", cfg.ListenPort, err)
	}

	tun, err := tunnel.NewTun(cfg.Name, cfg.MTU)
	if err != nil {
		conn.Close()
		return err
	}
	defer tun.Close()

	if err := tun.ConfigureIPAddress(cfg.Address); err != nil {
		conn.Close()
		return err
	}

	var tracer *tunnel.Tracer
	if trace {
		tracer = tunnel.NewTracer()
	}

	counters := &tunnel.Counters{}
	ch, err := tunnel.NewChannel(&tunnel.ChannelOpts{
		Conn:      conn,
		Secret:    secret,
		Initiator: cfg.Initiator(),
		Counters:  counters,
		Tracer:    tracer,
		Peer:      cfg.PeerEndpoint,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("derive handshake keys: %w", err)
	}
	defer ch.Close()

	sess := tunnel.NewSessionManager(&tunnel.SessionOpts{
		Channel:   ch,
		Initiator: cfg.Initiator(),
		Timers:    tunnel.DefaultTimers(),
	})

	engine := tunnel.NewEngine(&tunnel.EngineOpts{
		Tun:        tun,
		Channel:    ch,
		Session:    sess,
		Counters:   counters,
		Tracer:     tracer,
		AllowedIPs: cfg.AllowedIPs,
	})

	if cfg.Initiator() {
		log.Printf("caetun starting as initiator, peer %s", cfg.PeerEndpoint)
	} else {
		log.Printf("caetun starting as responder on udp port %d", cfg.ListenPort)
	}
	ch.DiscoverPublicAddr()

	return engine.Run(ctx)
}
