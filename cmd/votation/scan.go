package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/luca-patrignani/code-votation/collection"
	"github.com/luca-patrignani/code-votation/config"
	"github.com/luca-patrignani/code-votation/consensus"
	"github.com/luca-patrignani/code-votation/discovery"
	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/ledger"
	"github.com/luca-patrignani/code-votation/storage"
	"github.com/luca-patrignani/code-votation/verifier"
)

const (
	defaultRelayPort = 8080
	findRelayTimeout = 10 * time.Second
)

func newScanCommand(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Join the session and validate the codes entered at the prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runScan(cmd.Context(), mode)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "manual", "Scan mode handed to the verification rules")
	return cmd
}

func (a *app) runScan(ctx context.Context, mode string) error {
	if err := a.cfg.RequireSession(); err != nil {
		return err
	}
	printBanner()

	identity, err := a.identity()
	if err != nil {
		return err
	}
	rules := verifier.DefaultRules()
	if a.cfg.RulesFile != "" {
		if rules, err = verifier.LoadPolicyFile(a.cfg.RulesFile); err != nil {
			return err
		}
	}
	policy := verifier.New(rules...)
	a.logger.Info("verification policy loaded", "rules", policy.Rules(), "file", a.cfg.RulesFile)

	db, err := storage.Open(a.cfg.DatabaseType, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	var upstream *sql.DB
	if a.cfg.UpstreamURL != "" {
		if upstream, err = storage.Open("postgres", a.cfg.UpstreamURL); err != nil {
			return err
		}
		defer upstream.Close()
	}

	relayURL, err := a.relayURL(ctx)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if a.cfg.MetricsAddr != "" {
		go a.serveMetrics(reg)
	}

	audit := ledger.New(identity.NodeID())
	rc, err := consensus.NewRobustController(consensus.Config{
		Identity: identity,
		Dial:     consensus.WebSocketDialer(relayURL),
		NewCollection: func(session code.Session, typ code.Type, opts ...collection.Option) (*collection.Collection, error) {
			opts = append(opts, collection.WithVerifier(policy))
			if upstream != nil {
				opts = append(opts, collection.WithUpstream(storage.NewSQLStore(upstream, typ.ID)))
			}
			return collection.New(session, typ, storage.NewSQLStore(db, typ.ID), opts...), nil
		},
		AutoReconnect: true,
		VerdictGrace:  a.cfg.VerdictGrace,
		SearchTimeout: a.cfg.SearchTimeout,
		Ledger:        audit,
		Registerer:    reg,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}
	rc.OnScanResult(printResult)
	rc.OnConnectionChanged(func(online bool) {
		printStatus(online, rc.PendingOfflineScans())
	})

	spinner, _ := pterm.DefaultSpinner.Start("Joining session " + a.cfg.Session.Name + "...")
	if err := rc.Initialize(ctx, a.cfg.Session, a.cfg.Types); err != nil {
		spinner.Fail()
		return err
	}
	spinner.Success()
	pterm.Info.Printfln("Node %s, %d codes, %d validated", identity.NodeID(), rc.CodeCount(), rc.Validated())

	scanErr := a.scanLoop(ctx, rc, mode)
	stopErr := rc.Stop()
	if err := a.closeLedger(audit); err != nil {
		return errors.Join(scanErr, stopErr, err)
	}
	return errors.Join(scanErr, stopErr)
}

func (a *app) scanLoop(ctx context.Context, rc *consensus.RobustController, mode string) error {
	for ctx.Err() == nil {
		raw, err := pterm.DefaultInteractiveTextInput.WithDefaultText("Scan a code, type exit to quit").Show()
		if err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		switch raw {
		case "":
			continue
		case "exit":
			return nil
		}
		if err := rc.CodeScanned(ctx, raw, mode); err != nil {
			a.logger.Error("scan failed", "code", raw, "error", err)
		}
	}
	return nil
}

func (a *app) identity() (*consensus.Identity, error) {
	if a.cfg.IdentityKey == "" {
		id := consensus.NewIdentity()
		a.logger.Info("generated identity", "node", id.NodeID())
		pterm.Warning.Printfln("New node identity, pass --%s %s to keep it", config.IdentityKey, id.PrivateHex())
		return id, nil
	}
	return consensus.IdentityFromHex(a.cfg.IdentityKey)
}

// relayURL returns the configured relay, expanding partial addresses, or
// waits for one to be announced on the local network.
func (a *app) relayURL(ctx context.Context) (string, error) {
	if a.cfg.RelayURL != "" {
		local, err := localIPv4()
		if err != nil {
			local = net.IPv4(127, 0, 0, 1)
		}
		return expandRelayURL(local, a.cfg.RelayURL, defaultRelayPort)
	}
	spinner, _ := pterm.DefaultSpinner.Start("Looking for a relay...")
	ctx, cancel := context.WithTimeout(ctx, findRelayTimeout)
	defer cancel()
	info, err := discovery.FindRelay(ctx, a.cfg.DiscoveryPort)
	if err != nil {
		spinner.Fail()
		return "", fmt.Errorf("no relay configured or announced: %w", err)
	}
	spinner.Success("Found relay " + info.Name + " at " + info.URL)
	return info.URL, nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(a.cfg.MetricsAddr, mux); err != nil {
		a.logger.Error("metrics server stopped", "error", err)
	}
}

// closeLedger verifies the audit ledger and exports it when configured.
func (a *app) closeLedger(audit *ledger.Ledger) error {
	if err := audit.Verify(); err != nil {
		return fmt.Errorf("audit ledger corrupted: %w", err)
	}
	if a.cfg.LedgerFile != "" {
		f, err := os.Create(a.cfg.LedgerFile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := audit.Export(f); err != nil {
			return err
		}
	}
	pterm.Success.Printfln("%d validations committed on this node", audit.Len())
	return nil
}
