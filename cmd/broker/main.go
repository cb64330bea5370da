// Command broker runs a standalone broker node (spec.md §4.9): the
// process that connects cores together, resolves interface names across
// core boundaries, and coordinates lifecycle barriers across the
// federation it serves.
//
// Flags follow a flag > environment variable > default precedence, the
// same order the core binary uses, so a deployment can be driven by either
// a process-manager's flag list or a shared environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/google/uuid"

	"github.com/tenzoki/agen/coresim/internal/broker"
	"github.com/tenzoki/agen/coresim/internal/envelope"
	"github.com/tenzoki/agen/coresim/internal/obslog"
	"github.com/tenzoki/agen/coresim/internal/transport/tcp"
)

func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func main() {
	name := flag.String("name", envOrDefault("CORESIM_BROKER_NAME", "root"), "broker's own name")
	iface := flag.String("interface", envOrDefault("CORESIM_BROKER_INTERFACE", "0.0.0.0"), "interface to listen on")
	port := flag.Int("port", 23404, "port to listen on")
	logLevel := flag.String("log_level", envOrDefault("CORESIM_LOG_LEVEL", "info"), "error, info, or debug")
	maxConns := flag.Int("max_connections", 256, "maximum simultaneous core connections")
	flag.Parse()

	runID := uuid.New().String()
	logger := obslog.New("broker", obslog.ParseLevel(*logLevel)).WithValues("run_id", runID)
	stdr.SetVerbosity(obslog.ParseLevel(*logLevel))

	addr := fmt.Sprintf("%s:%d", *iface, *port)
	listener, err := tcp.Listen(addr, *maxConns)
	if err != nil {
		log.Fatalf("broker: listen on %s: %v", addr, err)
	}
	defer listener.Close()

	svc, err := broker.NewService(logger, nil)
	if err != nil {
		log.Fatalf("broker: init service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down", "reason", "signal received")
		cancel()
	}()

	logger.Info("broker listening", "name", *name, "addr", listener.Addr().String())
	go acceptCoreConnections(ctx, logger, svc, listener)

	<-ctx.Done()
	logger.Info("broker stopped")
}

// acceptCoreConnections decodes every inbound frame and dispatches the
// handful of actions a core sends a broker directly: connecting, and
// routing everything else toward its destination federate.
func acceptCoreConnections(ctx context.Context, logger logr.Logger, svc *broker.Service, listener *tcp.Adapter) {
	for {
		frame, err := listener.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error(err, "recv failed")
			continue
		}
		msg, err := envelope.Decode(frame)
		if err != nil {
			logger.Error(err, "decode failed")
			continue
		}
		switch msg.Action {
		case envelope.ActionConnectCore:
			coreName := "unknown"
			if msg.Extra != nil && msg.Extra.SourceName != "" {
				coreName = msg.Extra.SourceName
			}
			if _, err := svc.ConnectCore(coreName, listener); err != nil {
				logger.Error(err, "connect core failed", "core", coreName)
			}
		default:
			if err := svc.Route(ctx, msg); err != nil {
				logger.Error(err, "route failed", "action", msg.Action.String())
			}
		}
	}
}
