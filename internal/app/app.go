package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	aiservice "github.com/nhle/mail-triage/internal/ai"
	"github.com/nhle/mail-triage/internal/credential"
	"github.com/nhle/mail-triage/internal/model"
	"github.com/nhle/mail-triage/internal/store"
	appsync "github.com/nhle/mail-triage/internal/sync"
	"github.com/nhle/mail-triage/internal/transport"
	"github.com/nhle/mail-triage/internal/triage"
)

// App wires the triage core together: configuration, the local store,
// credentials, the classification model, the mail transport, and the
// periodic sync scheduler. A UI or CLI embeds an App and drives the
// orchestrator.
type App struct {
	Config       *model.AppConfig
	Store        *store.SQLiteStore
	Orchestrator *triage.Orchestrator
	Syncer       *appsync.Syncer
	Scheduler    *appsync.Scheduler

	log *zap.Logger
}

// DefaultDatabasePath returns the default location of the local mail
// database, ~/.local/share/mailtriage/mail.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mail.db")
	}
	return filepath.Join(home, ".local", "share", "mailtriage", "mail.db")
}

// New assembles the application from the config at configPath and the
// database at dbPath. Empty paths fall back to the defaults. The database
// is integrity-checked on open; a corrupt database aborts startup so the
// caller can offer the backup-and-rebuild path.
func New(configPath, dbPath string, log *zap.Logger) (*App, error) {
	if log == nil {
		var err error
		log, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
	}

	if configPath == "" {
		configPath = model.DefaultConfigPath()
	}
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if dbPath == "" {
		dbPath = DefaultDatabasePath()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.CheckIntegrity(context.Background()); err != nil {
		s.Close()
		return nil, err
	}

	llm := loadLanguageModel(cfg.AI)
	mail := transport.NewIMAPTransport(func(accountID string) (string, error) {
		return credential.Get(credential.AccountKey(accountID))
	})

	detector := triage.NewDetector(llm, log)
	orch := triage.NewOrchestrator(s, llm, mail, nil, cfg.Triage, log)
	syncer := appsync.NewSyncer(s, mail, detector, cfg.Sync, log)
	scheduler := appsync.NewScheduler(syncer, orch, s, cfg.Triage, cfg.Sync, log)

	for _, ac := range cfg.Accounts {
		account := model.Account{
			ID:       ac.ID,
			Name:     ac.Name,
			Email:    ac.Email,
			IMAPHost: ac.IMAPHost,
			IMAPPort: ac.IMAPPort,
			SMTPHost: ac.SMTPHost,
			SMTPPort: ac.SMTPPort,
			Username: ac.Username,
			UseTLS:   ac.UseTLS,
		}
		if err := s.UpsertAccount(context.Background(), account); err != nil {
			s.Close()
			return nil, fmt.Errorf("registering account %s: %w", ac.ID, err)
		}
	}

	return &App{
		Config:       cfg,
		Store:        s,
		Orchestrator: orch,
		Syncer:       syncer,
		Scheduler:    scheduler,
		log:          log,
	}, nil
}

// loadLanguageModel creates the classification client by loading the API
// key from the environment variable or the system keyring. Returns nil if
// no key is available; classification is then unavailable but the rest of
// the app still works.
func loadLanguageModel(cfg model.AIConfig) aiservice.LanguageModel {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		var err error
		apiKey, err = credential.Get(credential.APIKeyName)
		if err != nil || apiKey == "" {
			return nil
		}
	}
	return aiservice.New(apiKey, cfg.Model, cfg.MaxTokens)
}

// Run starts the periodic sync scheduler and blocks until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Scheduler.Stop()
	return nil
}

// Close releases the application's resources.
func (a *App) Close() error {
	a.Scheduler.Stop()
	if err := a.Store.Close(); err != nil {
		return err
	}
	_ = a.log.Sync()
	return nil
}
