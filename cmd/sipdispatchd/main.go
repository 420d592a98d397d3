// Command sipdispatchd wires one UDP leg, the URI resolver, the dispatcher
// core, and a stateless-proxy forwarder together into a runnable process.
// It is not a deployable SIP proxy (there's no registrar, NAT helper, or
// wire-accurate SIP parser behind it) — it demonstrates how the pieces in
// this module compose.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netsip/dispatch/dispatch"
	"github.com/netsip/dispatch/eventloop"
	"github.com/netsip/dispatch/proxy"
	"github.com/netsip/dispatch/resolve"
	"github.com/netsip/dispatch/sipmsg"
	"github.com/netsip/dispatch/transport"
)

var (
	udpAddr         = flag.String("udp-addr", "0.0.0.0", "bind address for the UDP leg")
	udpPort         = flag.Uint("udp-port", 5060, "bind port for the UDP leg")
	tcpAddr         = flag.String("tcp-addr", "", "bind address for the TCP leg (empty disables it)")
	tcpPort         = flag.Uint("tcp-port", 5060, "bind port for the TCP leg")
	outgoingProxy   = flag.String("outgoing-proxy", "", "global outgoing proxy, e.g. udp:10.0.0.9:5060")
	enableVerbose   = flag.Bool("v", false, "enable debug logging")
	metricsEnable   = flag.Bool("metrics-enable", false, "enable the prometheus metrics server")
	metricsAddr     = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	queueExpireTick = flag.Duration("queue-expire-interval", time.Second, "queue_expire sweep interval")
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *enableVerbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if *udpAddr == "" && *tcpAddr == "" {
		slog.Error("at least one of -udp-addr or -tcp-addr must bind a leg")
		os.Exit(1)
	}

	if *metricsEnable {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				slog.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, mux); err != nil {
				log.Printf("sipdispatchd: metrics server stopped: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		slog.Error("sipdispatchd: fatal error", "error", err)
		os.Exit(1)
	}
}

func decode(raw []byte) (sipmsg.Packet, error) {
	return sipmsg.ParseMessage(raw)
}

func run(ctx context.Context, logger *slog.Logger) error {
	loop := eventloop.New(logger)
	registry := transport.NewRegistry(logger, loop, ctx)

	var dispatcher *dispatch.Dispatcher
	recv := func(pkt sipmsg.Packet, leg transport.Leg, from string) {
		dispatcher.Receive(ctx, pkt, leg, from)
	}

	if *udpAddr != "" {
		contact := fmt.Sprintf("sip:%s:%d", *udpAddr, *udpPort)
		leg, err := transport.NewUDPLeg(*udpAddr, uint16(*udpPort), contact, decode, recv)
		if err != nil {
			return fmt.Errorf("sipdispatchd: bind udp leg: %w", err)
		}
		registry.AddLeg(leg)
		logger.Info("sipdispatchd: udp leg bound", "addr", *udpAddr, "port", *udpPort)
	}
	if *tcpAddr != "" {
		contact := fmt.Sprintf("sip:%s:%d", *tcpAddr, *tcpPort)
		leg, err := transport.NewTCPLeg(*tcpAddr, uint16(*tcpPort), contact, decode, recv)
		if err != nil {
			return fmt.Errorf("sipdispatchd: bind tcp leg: %w", err)
		}
		registry.AddLeg(leg)
		logger.Info("sipdispatchd: tcp leg bound", "addr", *tcpAddr, "port", *tcpPort)
	}

	resolver := resolve.NewResolver(resolve.Config{OutgoingProxy: *outgoingProxy}, registry, nil)
	dispatcher = dispatch.NewDispatcher(logger, clockwork.NewRealClock(), loop, registry, resolver, dispatch.Config{DoRetransmits: true})

	rewriter := proxy.NewContactRewriter(registry.All())
	forwarder := proxy.NewForwarder(logger, registry, resolver, dispatcher, nil, nil, rewriter, proxy.Config{})
	dispatcher.SetReceiver(func(pkt sipmsg.Packet, leg transport.Leg, from string) {
		forwarder.HandleIncoming(ctx, pkt, leg, from)
	})

	dispatcher.AddTimer(time.Now().Add(*queueExpireTick), func() {
		dispatcher.QueueExpire(ctx, time.Now())
	}, *queueExpireTick)

	logger.Info("sipdispatchd: dispatcher running")
	return loop.Run(ctx)
}
