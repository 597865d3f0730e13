package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mail-triage/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// SQLite serializes writes anyway; a single pooled connection avoids
	// busy errors under concurrent writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// CheckIntegrity runs SQLite's integrity check and returns a
// CorruptionError if the database reports anything other than "ok".
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.GetContext(ctx, &result, "PRAGMA integrity_check"); err != nil {
		return fmt.Errorf("running integrity check: %w", err)
	}
	if result != "ok" {
		return &CorruptionError{Detail: result}
	}
	return nil
}

// Backup writes a consistent copy of the database to destPath using
// VACUUM INTO. This is the remediation path for corruption: back up what
// is readable, then rebuild.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database to %s: %w", destPath, err)
	}
	return nil
}

// UpsertAccount inserts or replaces an account record.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, a model.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, name, email, imap_host, imap_port, smtp_host, smtp_port, username, use_tls
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			username = excluded.username,
			use_tls = excluded.use_tls`,
		a.ID, a.Name, a.Email, a.IMAPHost, a.IMAPPort,
		a.SMTPHost, a.SMTPPort, a.Username, boolToInt(a.UseTLS),
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", a.ID, err)
	}

	return nil
}

// GetAccount retrieves a single account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, name, email, imap_host, imap_port, smtp_host, smtp_port, username, use_tls FROM accounts WHERE id = ?",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("querying account %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}

	a, err := scanAccount(rows)
	if err != nil {
		return nil, err
	}
	return &a, rows.Err()
}

// ListAccounts retrieves all accounts ordered by name.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, name, email, imap_host, imap_port, smtp_host, smtp_port, username, use_tls FROM accounts ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

// EnsureFolder returns the folder with the given path for the account,
// creating it if it does not exist yet.
func (s *SQLiteStore) EnsureFolder(ctx context.Context, accountID, path, role string) (*model.Folder, error) {
	existing, err := s.GetFolderByPath(ctx, accountID, path)
	if err == nil {
		return existing, nil
	}

	f := model.Folder{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Name:      folderNameFromPath(path),
		Path:      path,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO folders (id, account_id, name, path, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO NOTHING`,
		f.ID, f.AccountID, f.Name, f.Path, f.Role, f.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating folder %s: %w", path, err)
	}

	// Re-read so a concurrent insert still resolves to the winning row.
	return s.GetFolderByPath(ctx, accountID, path)
}

// GetFolder retrieves a single folder by ID.
func (s *SQLiteStore) GetFolder(ctx context.Context, id string) (*model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, account_id, name, path, role, created_at FROM folders WHERE id = ?", id,
	)
	if err != nil {
		return nil, fmt.Errorf("querying folder %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}

	f, err := scanFolder(rows)
	if err != nil {
		return nil, err
	}
	return &f, rows.Err()
}

// GetFolderByPath retrieves a folder by its (account, path) key.
func (s *SQLiteStore) GetFolderByPath(ctx context.Context, accountID, path string) (*model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, account_id, name, path, role, created_at FROM folders WHERE account_id = ? AND path = ?",
		accountID, path,
	)
	if err != nil {
		return nil, fmt.Errorf("querying folder %s/%s: %w", accountID, path, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("folder %s/%s: %w", accountID, path, ErrNotFound)
	}

	f, err := scanFolder(rows)
	if err != nil {
		return nil, err
	}
	return &f, rows.Err()
}

// ListFolders retrieves all folders for an account ordered by path.
func (s *SQLiteStore) ListFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, account_id, name, path, role, created_at FROM folders WHERE account_id = ? ORDER BY path",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying folders for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}

	return folders, rows.Err()
}

// scanAccount scans an account row from a sqlx.Rows result set.
func scanAccount(rows *sqlx.Rows) (model.Account, error) {
	var (
		a      model.Account
		useTLS int
	)

	err := rows.Scan(
		&a.ID, &a.Name, &a.Email, &a.IMAPHost, &a.IMAPPort,
		&a.SMTPHost, &a.SMTPPort, &a.Username, &useTLS,
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("scanning account row: %w", err)
	}

	a.UseTLS = useTLS != 0
	return a, nil
}

// scanFolder scans a folder row from a sqlx.Rows result set.
func scanFolder(rows *sqlx.Rows) (model.Folder, error) {
	var f model.Folder

	err := rows.Scan(&f.ID, &f.AccountID, &f.Name, &f.Path, &f.Role, &f.CreatedAt)
	if err != nil {
		return model.Folder{}, fmt.Errorf("scanning folder row: %w", err)
	}

	return f, nil
}

// folderNameFromPath returns the display name for a folder path,
// the segment after the last '/' delimiter.
func folderNameFromPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
