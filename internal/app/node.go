// Package app opens a chorus workspace for the CLI and server.
package app

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"chorus/internal/config"
	"chorus/internal/db"
	"chorus/internal/engine"
	"chorus/internal/migrate"
	"chorus/internal/wallet"
)

// Node is an opened workspace: config, migrated ledger and engine.
type Node struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Log       zerolog.Logger
}

// Open loads chorus.yml (defaults when absent), then opens and migrates the ledger.
func Open(ctx context.Context, workspace string, logger zerolog.Logger) (*Node, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
	}
	e := engine.New(conn, cfg)
	e.Log = logger
	return &Node{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Log:       logger,
	}, nil
}

func (n *Node) Close() error {
	return n.DB.Close()
}

// EnvPath is the workspace file holding generated secrets.
func EnvPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".chorus", "env")
}

// JWTSecret reads the token secret from the configured environment variable,
// then from the workspace env file written by chorus init.
func (n *Node) JWTSecret() (string, error) {
	name := n.Config.Server.JWTSecretEnv
	if name == "" {
		name = "CHORUS_JWT_SECRET"
	}
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v, nil
	}
	v, err := ReadEnvValue(EnvPath(n.Workspace), name)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%s is not set; export it or run chorus init", name)
	}
	return v, nil
}

// KeysFromEnv derives wallet keys from the mnemonic held in envVar.
func KeysFromEnv(envVar string) (*wallet.Keys, error) {
	mnemonic := strings.TrimSpace(os.Getenv(envVar))
	if mnemonic == "" {
		return nil, fmt.Errorf("%s is not set; create a wallet with chorus wallet new", envVar)
	}
	return wallet.FromMnemonic(mnemonic)
}

// ReadEnvValue returns the value of key in a KEY=VALUE file, or "" when the
// file or key is missing.
func ReadEnvValue(path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimPrefix(line, key+"="), nil
		}
	}
	return "", scanner.Err()
}

// SetEnvValue sets key in a KEY=VALUE file, preserving other lines.
func SetEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
