// Command core runs a standalone core node (spec.md §4.8): the process
// that hosts one or more federates, connects to a broker, and routes
// their publication, input, endpoint, and filter traffic.
//
// Flags follow a flag > environment variable > default precedence.
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
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/tenzoki/agen/coresim/internal/core"
	"github.com/tenzoki/agen/coresim/internal/envelope"
	"github.com/tenzoki/agen/coresim/internal/obslog"
	"github.com/tenzoki/agen/coresim/internal/profiler"
	"github.com/tenzoki/agen/coresim/internal/transport/tcp"
)

func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func main() {
	name := flag.String("name", envOrDefault("CORESIM_CORE_NAME", "core1"), "this core's own name")
	federateCount := flag.Int("federates", 1, "number of federates this core expects to host")
	brokerName := flag.String("broker", envOrDefault("CORESIM_BROKER_NAME", "root"), "broker name to connect to")
	brokerPort := flag.Int("broker_port", 23404, "broker's port")
	iface := flag.String("interface", envOrDefault("CORESIM_CORE_INTERFACE", "127.0.0.1"), "interface to listen on for federate connections")
	port := flag.Int("port", 0, "port to listen on (0 picks an ephemeral port)")
	logLevel := flag.String("log_level", envOrDefault("CORESIM_LOG_LEVEL", "info"), "error, info, or debug")
	autobroker := flag.Bool("autobroker", false, "start an in-process broker instead of dialing one")
	profileDir := flag.String("profile_dir", envOrDefault("CORESIM_PROFILE_DIR", ""), "badger index directory for the profiler buffer (disabled if empty)")
	flag.Parse()

	runID := uuid.New().String()
	logger := obslog.New("core", obslog.ParseLevel(*logLevel)).WithValues("run_id", runID)

	addr := fmt.Sprintf("%s:%d", *iface, *port)
	listener, err := tcp.Listen(addr, 64)
	if err != nil {
		log.Fatalf("core: listen on %s: %v", addr, err)
	}
	defer listener.Close()

	tracer := nooptrace.NewTracerProvider().Tracer("coresim/core")
	meter := noop.NewMeterProvider().Meter("coresim/core")

	send := core.SendFunc(func(ctx context.Context, dest envelope.GlobalFederateId, msg *envelope.ActionMessage) error {
		frame, err := envelope.Encode(msg)
		if err != nil {
			return err
		}
		brokerAddr := fmt.Sprintf("%s:%d", envOrDefault("CORESIM_BROKER_HOST", "127.0.0.1"), *brokerPort)
		return listener.Send(ctx, brokerAddr, frame)
	})

	c, err := core.New(logger, tracer, meter, send)
	if err != nil {
		log.Fatalf("core: init: %v", err)
	}

	if *profileDir != "" {
		buf, err := profiler.Open(*profileDir)
		if err != nil {
			log.Fatalf("core: open profiler: %v", err)
		}
		defer buf.Close()
		c.AttachProfiler(buf)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !*autobroker {
		brokerAddr := fmt.Sprintf("%s:%d", envOrDefault("CORESIM_BROKER_HOST", "127.0.0.1"), *brokerPort)
		connectMsg := &envelope.ActionMessage{
			Action: envelope.ActionConnectCore,
			Extra:  &envelope.Extra{SourceName: *name},
		}
		frame, err := envelope.Encode(connectMsg)
		if err != nil {
			log.Fatalf("core: encode connect message: %v", err)
		}
		if err := listener.Send(ctx, brokerAddr, frame); err != nil {
			logger.Error(err, "failed to announce to broker", "broker", *brokerName, "addr", brokerAddr)
		}
	}

	logger.Info("core listening", "name", *name, "addr", listener.Addr().String(), "expected_federates", *federateCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down", "reason", "signal received")
		cancel()
	}()

	go acceptActionMessages(ctx, logger, c, listener)

	<-ctx.Done()
	logger.Info("core stopped")
}

// acceptActionMessages decodes every inbound frame and dispatches it
// against the hosted federates: a time grant for a hosted federate is
// passed to ReportGrant, which updates the coordinators of that
// federate's locally hosted dependents; a publish frame is delivered to a
// local input. Other actions are ignored.
func acceptActionMessages(ctx context.Context, logger logr.Logger, c *core.Core, listener *tcp.Adapter) {
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
		case envelope.ActionPublish:
			fed, ok := c.Federate(msg.DestID)
			if !ok {
				continue
			}
			// msg.DestHandle already names the subscriber's input handle on
			// this core, resolved by the sender before it crossed the wire;
			// deliver straight to that input instead of treating it as a
			// publication handle to re-publish.
			source := envelope.GlobalHandle{Federate: msg.SourceID, Handle: msg.SourceHandle}
			dest := envelope.GlobalHandle{Federate: fed.ID, Handle: msg.DestHandle}
			if err := c.Deliver(ctx, source, dest, msg.ActionTime, msg.IterationIndex, msg.Payload); err != nil {
				logger.Error(err, "publish delivery failed")
			}
		case envelope.ActionTimeGrant, envelope.ActionTimeGrantIterative:
			if msg.Extra == nil {
				continue
			}
			if fed, ok := c.Federate(msg.SourceID); ok {
				c.ReportGrant(fed.ID, msg.ActionTime, msg.Extra.Te, msg.Extra.Tdemin, msg.SourceID)
			}
		}
	}
}
