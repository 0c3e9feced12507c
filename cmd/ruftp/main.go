// Command ruftp is the single entry point for both sides of the
// protocol: which mode runs is selected by the presence of -s, exactly
// as spec.md §6 describes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"ruftp/internal/clock"
	"ruftp/internal/config"
	"ruftp/internal/metrics"
	"ruftp/internal/receiver"
	"ruftp/internal/sender"
	"ruftp/internal/trace"
	"ruftp/internal/transport"
	"ruftp/pkg/logger"
)

const version = "1.0.0"

func main() {
	logger.Banner("ruftp - Reliable UDP File Transfer", version)

	cfg, fs, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, fs.FlagUsages())
		os.Exit(1)
	}

	runID := uuid.New().String()
	log := logger.WithField("conn", runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warnf("received signal %v, shutting down", sig)
		cancel()
	}()

	var reg *prometheus.Registry
	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		metricsSrv = metrics.NewServer(cfg.MetricsAddr, reg)
		go func() {
			if serveErr := metricsSrv.Serve(); serveErr != nil {
				log.Errorf("metrics server: %v", serveErr)
			}
		}()
		log.Infof("metrics listening on %s", cfg.MetricsAddr)
	}

	if cfg.Mode == config.ModeSender {
		err = runSender(ctx, cfg, log, reg)
	} else {
		err = runReceiver(ctx, cfg, log, reg)
	}

	if metricsSrv != nil {
		metricsSrv.Shutdown(5 * time.Second)
	}
	if err != nil {
		log.Errorf("fatal: %v", err)
		os.Exit(1)
	}
	logger.Success("transfer complete")
}

func runSender(ctx context.Context, cfg *config.Config, log *logrus.Entry, reg *prometheus.Registry) error {
	local := fmt.Sprintf(":%d", cfg.LocalPort)
	remote := fmt.Sprintf("%s:%d", cfg.RemoteHost, cfg.RemotePort)
	conn, peer, err := transport.DialUDP(local, remote)
	if err != nil {
		return errors.Wrap(err, "sender: dial")
	}
	defer conn.Close()

	f, err := os.Open(cfg.File)
	if err != nil {
		return errors.Wrap(err, "sender: open input file")
	}
	defer f.Close()

	log.Infof("sender: %s -> %s, mtu=%d window=%d file=%s", conn.LocalAddr(), peer, cfg.MTU, cfg.Window, cfg.File)

	var counters *metrics.Counters
	if reg != nil {
		counters = metrics.NewCounters(reg, "sender")
	}

	tr := trace.New(os.Stdout)
	eng := sender.New(conn, peer, clock.NewSystem(), cfg.MTU, cfg.Window, tr)
	runErr := eng.Run(ctx, f)

	stats := eng.Stats()
	tr.Summary("sender", trace.Stats{
		Bytes:                   stats.BytesSent,
		Packets:                 stats.PacketsSent,
		RetransmitsOrOOO:        stats.Retransmissions,
		DupAcksOrChecksumErrors: stats.DuplicateAcks,
	})
	if counters != nil {
		counters.Bytes.Add(float64(stats.BytesSent))
		counters.Packets.Add(float64(stats.PacketsSent))
		counters.RetransmitsOrOOO.Add(float64(stats.Retransmissions))
		counters.DupAcksOrErrors.Add(float64(stats.DuplicateAcks))
	}
	return runErr
}

func runReceiver(ctx context.Context, cfg *config.Config, log *logrus.Entry, reg *prometheus.Registry) error {
	conn, err := transport.ListenUDP(fmt.Sprintf(":%d", cfg.LocalPort))
	if err != nil {
		return errors.Wrap(err, "receiver: listen")
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	f, err := os.Create(cfg.File)
	if err != nil {
		return errors.Wrap(err, "receiver: create output file")
	}
	defer f.Close()

	log.Infof("receiver: listening on %s, mtu=%d window=%d file=%s", conn.LocalAddr(), cfg.MTU, cfg.Window, cfg.File)

	var counters *metrics.Counters
	if reg != nil {
		counters = metrics.NewCounters(reg, "receiver")
	}

	tr := trace.New(os.Stdout)
	eng := receiver.New(conn, clock.NewSystem(), cfg.MTU, cfg.Window, tr, f)
	runErr := eng.Run()
	if runErr != nil && ctx.Err() != nil {
		// The socket was closed deliberately by the shutdown-signal
		// goroutine above; per spec.md §7 a transport error on an
		// already-closed socket is ignored, not propagated.
		runErr = nil
	}

	stats := eng.Stats()
	tr.Summary("receiver", trace.Stats{
		Bytes:                   stats.BytesReceived,
		Packets:                 stats.PacketsRecv,
		RetransmitsOrOOO:        stats.OutOfOrder,
		DupAcksOrChecksumErrors: stats.ChecksumErrors,
	})
	if counters != nil {
		counters.Bytes.Add(float64(stats.BytesReceived))
		counters.Packets.Add(float64(stats.PacketsRecv))
		counters.RetransmitsOrOOO.Add(float64(stats.OutOfOrder))
		counters.DupAcksOrErrors.Add(float64(stats.ChecksumErrors))
	}
	return runErr
}
