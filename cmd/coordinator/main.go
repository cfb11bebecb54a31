// The coordinator binary runs one EdgeCoder mesh coordinator. Besides
// serving, it carries the operator utilities that need the node's
// crypto but not a running node: key generation and offline chain
// verification.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgecoder/coordinator/internal/blacklist"
	"github.com/edgecoder/coordinator/internal/config"
	"github.com/edgecoder/coordinator/internal/coordinator"
	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/ledger"
	"github.com/edgecoder/coordinator/pkg/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, coordinator.ErrIsolated) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coordinator",
		Short:         "EdgeCoder mesh coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := newServeCmd()
	root.AddCommand(serve, newKeygenCmd(), newVerifyChainCmd())
	// Bare invocation serves.
	root.RunE = serve.RunE
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			log, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = log.Sync() }()
			if cfg.LogLevel != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			node, err := coordinator.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return node.Run(ctx)
		},
	}
}

// buildLogger emits JSON in normal operation and the console encoder at
// debug level, where a human is reading.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a coordinator Ed25519 identity",
		Long: "Generates a fresh Ed25519 keypair. Without --out the private key PEM\n" +
			"goes to stdout for piping into a secret store; with --out it is written\n" +
			"to the file with owner-only permissions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Generate()
			if err != nil {
				return err
			}
			priv, err := id.PrivatePEM()
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Fprint(cmd.OutOrStdout(), priv)
				fmt.Fprintf(cmd.ErrOrStderr(), "peerId: %s\n%s", id.PeerID, id.PublicPEM())
				return nil
			}
			if err := os.WriteFile(out, []byte(priv), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "peerId: %s\n%s", id.PeerID, id.PublicPEM())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the private key PEM to this file")
	return cmd
}

func newVerifyChainCmd() *cobra.Command {
	var (
		kind     string
		keyPaths []string
	)
	cmd := &cobra.Command{
		Use:   "verify-chain <snapshot.json>",
		Short: "Verify an exported hash chain offline",
		Long: "Walks an exported chain snapshot without a running node. The file is\n" +
			"the response of /ledger/snapshot (ordering) or /security/blacklist/audit\n" +
			"(blacklist). Coordinator public keys are supplied as PEM files, one key\n" +
			"per --key flag; each key's peer id is derived from the key itself.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyFor, err := loadVerifyKeys(keyPaths)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var snap struct {
				Records []models.QueueEventRecord `json:"records"`
				Chain   []models.BlacklistRecord  `json:"chain"`
			}
			if err := json.Unmarshal(raw, &snap); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			var verdict models.ChainVerification
			switch kind {
			case "ordering":
				verdict = ledger.VerifyChain(snap.Records, keyFor)
			case "blacklist":
				verdict = blacklist.VerifyRecords(snap.Chain, keyFor)
			default:
				return fmt.Errorf("unknown chain kind %q, want ordering or blacklist", kind)
			}

			body, err := json.MarshalIndent(verdict, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			if !verdict.OK {
				return fmt.Errorf("chain broken: %s at index %d", verdict.Reason, verdict.Breakpoint)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "ordering", "chain kind: ordering or blacklist")
	cmd.Flags().StringArrayVar(&keyPaths, "key", nil, "coordinator public key PEM file (repeatable)")
	return cmd
}

// loadVerifyKeys builds the offline key resolver. Peer ids are derived
// from the keys, so a snapshot verifies with nothing but the signer
// keys of the coordinators that appear in it.
func loadVerifyKeys(paths []string) (func(string) ed25519.PublicKey, error) {
	keys := make(map[string]ed25519.PublicKey, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		pub, err := identity.ParsePublicPEM(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		keys[identity.PeerIDFor(pub)] = pub
	}
	return func(id string) ed25519.PublicKey { return keys[id] }, nil
}
