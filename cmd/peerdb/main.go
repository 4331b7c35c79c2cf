package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/config"
	"github.com/danhigham/peerdb/internal/contacts"
	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/event"
	"github.com/danhigham/peerdb/internal/invites"
	"github.com/danhigham/peerdb/internal/peer"
	"github.com/danhigham/peerdb/internal/peers"
	"github.com/danhigham/peerdb/internal/runloop"
	"github.com/danhigham/peerdb/internal/storage"
	"github.com/danhigham/peerdb/internal/telegram"
)

func main() {
	mode := "inspect"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	// Load config
	cfgDir := config.Dir()
	cfgPath := filepath.Join(cfgDir, "config.yaml")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config from %s: %v\n", cfgPath, err)
		fmt.Fprintf(os.Stderr, "\nCreate the config file with:\n")
		fmt.Fprintf(os.Stderr, "  mkdir -p %s\n", cfgDir)
		fmt.Fprintf(os.Stderr, "  cat > %s << 'EOF'\n", cfgPath)
		fmt.Fprintf(os.Stderr, "telegram:\n  api_id: YOUR_API_ID\n  api_hash: \"YOUR_API_HASH\"\nEOF\n")
		fmt.Fprintf(os.Stderr, "\nGet API credentials from https://my.telegram.org\n")
		os.Exit(1)
	}

	// Setup logging to file
	logPath := filepath.Join(cfgDir, "peerdb.log")
	logCfg := zap.NewDevelopmentConfig()
	logCfg.OutputPaths = []string{logPath}
	logCfg.ErrorOutputPaths = []string{logPath}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	switch mode {
	case "inspect":
		err = inspect(cfg, logger)
	case "sync":
		err = sync(cfg, cfgDir, logger)
	default:
		fmt.Fprintf(os.Stderr, "Usage: peerdb [inspect|sync]\n")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// inspect dumps the persisted entity database without touching the network.
func inspect(cfg *config.Config, logger *zap.Logger) error {
	db, err := storage.OpenBolt(cfg.Cache.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	kinds := []struct {
		prefix byte
		label  string
	}{
		{storage.PrefixUser, "user"},
		{storage.PrefixChat, "chat"},
		{storage.PrefixChannel, "channel"},
		{storage.PrefixSecretChat, "secret chat"},
	}

	for _, k := range kinds {
		count := 0
		err := db.EachKV([]byte{k.prefix}, func(key, value []byte) error {
			var rec struct {
				Title     string `json:"title"`
				FirstName string `json:"first_name"`
				LastName  string `json:"last_name"`
				Username  string `json:"username"`
			}
			name := ""
			if json.Unmarshal(value, &rec) == nil {
				name = rec.Title
				if name == "" {
					name = strings.TrimSpace(rec.FirstName + " " + rec.LastName)
				}
				if rec.Username != "" {
					name += " (@" + rec.Username + ")"
				}
			}
			fmt.Printf("%-12s %-14d %s\n", k.label, storage.EntityID(key), name)
			count++
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %ss: %w", k.label, err)
		}
		fmt.Printf("%d %s record(s)\n\n", count, k.label)
	}

	pending := 0
	err = db.ReplayLog(func(slot uint64, cat storage.LogCategory, payload []byte) error {
		fmt.Printf("unfinished save: slot %d category %d (%d bytes)\n", slot, cat, len(payload))
		pending++
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan log: %w", err)
	}
	if pending == 0 {
		fmt.Println("write-ahead log is empty")
	}
	return nil
}

// sync runs the full engine against a live session until interrupted.
func sync(cfg *config.Config, cfgDir string, logger *zap.Logger) error {
	db, err := storage.OpenBolt(cfg.Cache.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	loop := runloop.New(logger)
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	os.MkdirAll(cfgDir, 0700)

	// The engine, invite cache and contact engine are wired below; the
	// closures here only fire once the session is up.
	var (
		inviteCache   *invites.Cache
		contactEngine *contacts.Engine
	)

	tgClient := telegram.NewClient(telegram.Options{
		APIID:      cfg.Telegram.APIID,
		APIHash:    cfg.Telegram.APIHash,
		SessionDir: cfgDir,
		Loop:       loop,
		Auth:       telegram.NewTermAuth(os.Stdin, os.Stdout),
		Logger:     logger,
		OnReady: func() {
			loop.Submit(func() {
				contactEngine.Load(func(err error) {
					if err != nil {
						logger.Error("contact load failed", zap.Error(err))
						return
					}
					logger.Info("contacts loaded",
						zap.Int("count", len(contactEngine.IDs())))
				})
			})
		},
	})
	mgr := peers.New(peers.Options{
		Loop:    loop,
		DB:      db,
		API:     tgClient.API(),
		Sink:    event.NewLogSink(logger),
		Logger:  logger,
		FullTTL: time.Duration(cfg.Cache.FullInfoTTL),
		Hooks: peers.Hooks{
			UsernameChanged: func(d peer.DialogID, oldName, newName string) {
				inviteCache.InvalidateDialog(d)
			},
			MembershipChanged: func(d peer.DialogID, _ domain.MemberStatus) {
				inviteCache.InvalidateDialog(d)
			},
		},
	})
	inviteCache = invites.New(loop, tgClient.API(), mgr, logger)

	contactEngine = contacts.New(contacts.Options{
		Loop:         loop,
		DB:           db,
		API:          tgClient.API(),
		Directory:    mgr,
		Logger:       logger,
		ResyncPeriod: time.Duration(cfg.Cache.ContactResync),
	})

	loop.Call(func() {
		if err := mgr.ReplayLog(); err != nil {
			logger.Error("log replay failed", zap.Error(err))
		}
	})

	tgClient.Bind(mgr)

	if err := tgClient.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("telegram client: %w", err)
	}

	cancel()
	return <-loopDone
}
