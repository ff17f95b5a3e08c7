// Command meshd is the composition root: it wires configuration, storage,
// the crypto sealer, the relay client and the sync engine into one
// process, and exposes `serve`, `pair host` and `pair join` subcommands
// the way cmd/synnergy/main.go builds its cobra.Command tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xelth-com/eckwmsgo/internal/config"
	"github.com/xelth-com/eckwmsgo/internal/cryptopacket"
	"github.com/xelth-com/eckwmsgo/internal/meshclient"
	"github.com/xelth-com/eckwmsgo/internal/meshnode"
	"github.com/xelth-com/eckwmsgo/internal/meshserver"
	"github.com/xelth-com/eckwmsgo/internal/pairing"
	"github.com/xelth-com/eckwmsgo/internal/relayclient"
	"github.com/xelth-com/eckwmsgo/internal/storage"
	"github.com/xelth-com/eckwmsgo/internal/synchistory"
	"github.com/xelth-com/eckwmsgo/internal/syncengine"
)

// reconcileInterval is how often the active peer reconciliation loop
// wakes up in serve mode.
const reconcileInterval = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshd",
		Short: "Mesh synchronization core for a multi-instance warehouse system",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newPairCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the mesh server: relay heartbeat, peer HTTP API, background sync drivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("meshd: %w", err)
	}

	store := storage.NewMemStore()
	sealer, err := cryptopacket.NewSealer(cfg.NetworkKey, false)
	if err != nil {
		return fmt.Errorf("meshd: %w", err)
	}
	relay := relayclient.New(cfg.RelayURL, log)
	registry := meshnode.New()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("meshd: %w", err)
	}
	defer zapLogger.Sync()
	history := synchistory.NewRing(512, zapLogger)

	engine := syncengine.New(cfg.InstanceID, 50, store, relay, sealer, log, history)

	go heartbeatLoop(ctx, relay, cfg, log)
	go relayDrainLoop(ctx, engine, cfg, log)
	go reconciliationLoop(ctx, engine, registry, log)

	srv := meshserver.New(store, log)
	addr := fmt.Sprintf(":%d", cfg.Port)
	log.WithField("addr", addr).Info("meshd listening")
	return http.ListenAndServe(addr, srv)
}

func heartbeatLoop(ctx context.Context, relay *relayclient.Client, cfg config.Config, log *logrus.Entry) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		if err := relay.Heartbeat(ctx, cfg.MeshID, cfg.InstanceID, cfg.BaseURL, cfg.Port, "online"); err != nil {
			log.WithError(err).Warn("heartbeat failed, will retry next tick")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func relayDrainLoop(ctx context.Context, engine *syncengine.Engine, cfg config.Config, log *logrus.Entry) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		if _, err := engine.PullAndApply(ctx, cfg.MeshID); err != nil {
			log.WithError(err).Warn("relay drain failed, will retry next tick")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func reconciliationLoop(ctx context.Context, engine *syncengine.Engine, registry *meshnode.Registry, log *logrus.Entry) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, peer := range registry.Peers() {
			peerClient := meshclient.New(peer.BaseURL)
			for _, entityType := range syncengine.KnownEntityTypes {
				if _, err := engine.SyncWithPeer(ctx, peerClient, entityType); err != nil {
					log.WithError(err).WithField("peer", peer.InstanceID).WithField("entity_type", entityType).
						Warn("peer reconciliation failed, will retry next tick")
				}
			}
		}
	}
}

func newPairCmd() *cobra.Command {
	pairCmd := &cobra.Command{Use: "pair", Short: "Bootstrap trust with another instance via a human-shared code"}
	pairCmd.AddCommand(newPairHostCmd())
	pairCmd.AddCommand(newPairJoinCmd())
	return pairCmd
}

func newPairHostCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Generate a pairing code, publish an offer, and approve the joiner once it responds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairHost(cmd.Context(), timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", pairing.TTL, "how long to wait for the joiner's response")
	return cmd
}

func runPairHost(ctx context.Context, timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("meshd: %w", err)
	}
	relay := relayclient.New(cfg.RelayURL, nil)
	svc := pairing.New(cfg.InstanceID, cfg.InstanceID, cfg.RelayURL, relay, nil)
	registry := meshnode.New()

	code, err := pairing.GenerateCode()
	if err != nil {
		return err
	}
	fmt.Printf("pairing code: %s (share this with the joining instance)\n", code)

	if err := svc.PublishOffer(ctx, code); err != nil {
		return fmt.Errorf("meshd: publish offer: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := svc.AwaitResponse(waitCtx, code, 2*time.Second)
	if err != nil {
		return fmt.Errorf("meshd: await response: %w", err)
	}
	fmt.Printf("joiner responded: %s\n", resp.InstanceID)
	registry.Upsert(meshnode.Node{
		InstanceID: resp.InstanceID, Name: resp.InstanceName, Role: meshnode.RolePeer,
		BaseURL: resp.RelayURL, LastSeen: time.Now().UTC(), Status: meshnode.StatusOnline,
	})

	if err := svc.SendApproval(ctx, code, cfg.NetworkKey); err != nil {
		return fmt.Errorf("meshd: send approval: %w", err)
	}
	fmt.Println("approval sent; pairing complete")
	return nil
}

func newPairJoinCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "join <code>",
		Short: "Find a host's offer, respond, and await approval carrying the mesh network key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairJoin(cmd.Context(), args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", pairing.TTL, "how long to wait for the host's approval")
	return cmd
}

func runPairJoin(ctx context.Context, code string, timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("meshd: %w", err)
	}
	relay := relayclient.New(cfg.RelayURL, nil)
	svc := pairing.New(cfg.InstanceID, cfg.InstanceID, cfg.RelayURL, relay, nil)
	registry := meshnode.New()

	offer, err := svc.FindOffer(ctx, code)
	if err != nil {
		return fmt.Errorf("meshd: find offer: %w", err)
	}
	fmt.Printf("found offer from host: %s\n", offer.InstanceID)
	registry.Upsert(meshnode.Node{
		InstanceID: offer.InstanceID, Name: offer.InstanceName, Role: meshnode.RoleMaster,
		BaseURL: offer.RelayURL, LastSeen: time.Now().UTC(), Status: meshnode.StatusOnline,
	})

	if err := svc.SendResponse(ctx, code); err != nil {
		return fmt.Errorf("meshd: send response: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	approval, err := svc.AwaitApproval(waitCtx, code, offer.InstanceID, 2*time.Second)
	if err != nil {
		return fmt.Errorf("meshd: await approval: %w", err)
	}
	fmt.Printf("received network key from host %s (%d bytes); save it as SYNC_NETWORK_KEY\n",
		approval.HostInstanceID, len(approval.NetworkKey))
	return nil
}
