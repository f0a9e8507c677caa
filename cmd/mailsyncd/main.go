package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slopmail/mailsync/internal/commands"
	"github.com/slopmail/mailsync/internal/config"
	"github.com/slopmail/mailsync/internal/credential"
	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/internal/protocol/imapproto"
	"github.com/slopmail/mailsync/internal/protocol/jmapproto"
	"github.com/slopmail/mailsync/internal/protocol/pop3proto"
	"github.com/slopmail/mailsync/internal/protocol/smtpproto"
	"github.com/slopmail/mailsync/internal/store"
	syncer "github.com/slopmail/mailsync/internal/sync"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	configPath  = flag.String("config", "", "Path to the config file")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsyncd version %s\n", version)
		os.Exit(0)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	path := *configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("version", version).Info("Starting mailsync daemon")

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	vault := credential.NewKeyring(cfg.CredentialDir)

	registry := protocol.NewRegistry()
	registry.Register(imapproto.New(vault, logger))
	registry.Register(jmapproto.New(vault, logger))
	registry.Register(pop3proto.New(vault, logger))
	registry.RegisterSubmission(smtpproto.New(vault, logger))

	orchestrator := syncer.NewOrchestrator(st, registry, logger, cfg.PageSize, cfg.FolderFanout)

	cmds, err := commands.New(st, registry, vault, orchestrator, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create command surface")
	}

	if err := seedAccounts(st, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Failed to seed accounts")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runSyncLoop(ctx, st, cmds, cfg.PollInterval.Duration, logger)
	}()

	sig := <-sigChan
	logger.WithField("signal", sig).Info("Received shutdown signal")
	cancel()
	<-done

	logger.Info("Shutting down mailsync daemon")
}

// seedAccounts creates the accounts listed in the config file that do not
// exist yet. Existing accounts are never modified from config.
func seedAccounts(st *store.Store, cfg *config.Config, logger *logrus.Logger) error {
	existing, err := st.ListAccounts()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, a := range existing {
		known[a.Name] = true
	}

	for i := range cfg.Accounts {
		account := cfg.Accounts[i].ToAccount()
		if known[account.Name] {
			continue
		}
		if _, err := st.SaveAccount(account); err != nil {
			return fmt.Errorf("failed to seed account %q: %w", account.Name, err)
		}
		logger.WithFields(logrus.Fields{
			"account":  account.Name,
			"protocol": account.Protocol,
		}).Info("Seeded account from config")
	}
	return nil
}

// runSyncLoop syncs every account immediately, then on every poll tick until
// the context is canceled. Accounts fail independently.
func runSyncLoop(ctx context.Context, st *store.Store, cmds *commands.Commands, interval time.Duration, logger *logrus.Logger) {
	syncAll := func() {
		accounts, err := st.ListAccounts()
		if err != nil {
			logger.WithError(err).Error("Failed to list accounts")
			return
		}
		for _, account := range accounts {
			if account.Suspended {
				continue
			}
			if err := cmds.SyncAccount(ctx, account.ID); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).WithField("account", account.Name).Error("Account sync failed")
			}
		}
	}

	syncAll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncAll()
		}
	}
}
