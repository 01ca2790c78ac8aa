package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailmirror/internal/api"
	"github.com/nhle/mailmirror/internal/credential"
	"github.com/nhle/mailmirror/internal/engine"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	logger.SetLevel(level)

	if err := run(*configPath, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("daemon exited")
	}
}

func run(configPath string, logger *logrus.Logger) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	shared, err := store.OpenShared(filepath.Join(cfg.DataDir, "shared.db"))
	if err != nil {
		return err
	}
	defer shared.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedAccounts(ctx, shared, cfg, logger); err != nil {
		return err
	}

	mirrors := store.NewMirrors(cfg.DataDir)
	defer mirrors.Close()

	pool := remote.NewPool(dialer(shared, logger), 1)
	defer pool.Close()

	scheduler := engine.NewScheduler(shared, mirrors, pool, cfg.WorkerCapacity, logger)
	server := api.NewServer(shared, mirrors, scheduler, credential.Keyring{}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, cfg.ListenAddr) })
	return g.Wait()
}

// seedAccounts ensures every configured account exists in the shared
// store. Accounts already present are left alone so API-side edits stick.
func seedAccounts(ctx context.Context, shared *store.Shared, cfg *model.AppConfig, logger *logrus.Logger) error {
	existing, err := shared.ListAccounts(ctx)
	if err != nil {
		return err
	}
	byEmail := make(map[string]bool, len(existing))
	for _, acct := range existing {
		byEmail[acct.Email] = true
	}

	for _, ac := range cfg.Accounts {
		if byEmail[ac.Email] {
			continue
		}
		id := ac.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := shared.GetAccount(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		acct := model.Account{
			ID:            id,
			Email:         ac.Email,
			IMAPHost:      ac.IMAPHost,
			IMAPPort:      ac.IMAPPort,
			TLS:           ac.TLS,
			CredentialKey: ac.CredentialKey,
			SyncPolicy:    cfg.SyncPolicy(),
		}
		if err := shared.CreateAccount(ctx, &acct); err != nil {
			return err
		}
		logger.WithField("email", ac.Email).Info("seeded account from config")
	}
	return nil
}

// dialer builds per-account IMAP clients, pulling passwords from the
// system keyring at dial time so rotated credentials take effect on
// reconnect.
func dialer(shared *store.Shared, logger *logrus.Logger) remote.Dialer {
	return func(accountID string) (remote.Client, error) {
		ctx := context.Background()
		acct, err := shared.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		password, err := credential.Get(acct.CredentialKey)
		if err != nil {
			return nil, &remote.PermanentError{Op: "credential lookup " + acct.Email, Err: err}
		}
		return remote.NewIMAPClient(remote.IMAPConfig{
			Host:     acct.IMAPHost,
			Port:     acct.IMAPPort,
			Username: acct.Email,
			Password: password,
			TLS:      acct.TLS,
		}, logger.WithField("account", acct.Email)), nil
	}
}
