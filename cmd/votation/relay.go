package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/luca-patrignani/code-votation/discovery"
	"github.com/luca-patrignani/code-votation/network"
)

const announceInterval = time.Second

func newRelayCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serve the relay the stations exchange events through",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runRelay(cmd.Context())
		},
	}
}

func (a *app) runRelay(ctx context.Context) error {
	relay := network.NewRelay(a.logger)
	mux := http.NewServeMux()
	mux.Handle("GET /channels/{name}", relay)
	mux.Handle("GET /metrics", promhttp.Handler())

	l, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return err
	}
	relayURL, err := advertisedURL(l.Addr())
	if err != nil {
		l.Close()
		return err
	}
	d, annErr := discovery.AnnounceRelay(discovery.RelayInfo{Name: a.cfg.Session.Name, URL: relayURL}, a.cfg.DiscoveryPort, announceInterval)
	if annErr != nil {
		a.logger.Warn("relay will not be discoverable", "error", annErr)
	}

	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	pterm.Info.Printfln("Relay listening on %s", relayURL)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	relay.Close()
	srv.Shutdown(shutdownCtx)
	if d != nil {
		d.Close()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
