package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes stockerctl against the SQLite file at db.
func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--driver", "sqlite", "--path", db}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStockerctl_TradeLifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "stocker.db")

	out, err := run(t, db, "account", "open", "alice", "--balance", "1000")
	require.NoError(t, err, out)
	assert.Contains(t, out, "opened alice with $1,000.00")

	out, err = run(t, db, "buy", "alice", "aapl", "4")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Action:   BUY")
	assert.Contains(t, out, "Total:    $742.00")
	assert.Contains(t, out, "Cash:     $258.00")

	out, err = run(t, db, "sell", "alice", "AAPL", "1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Realized: $0.00")

	out, err = run(t, db, "portfolio", "alice")
	require.NoError(t, err, out)
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "$1,000.00")

	out, err = run(t, db, "history", "alice", "-n", "1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "SELL")
	assert.NotContains(t, out, "BUY")

	out, err = run(t, db, "reconcile", "alice")
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 trades replayed")
	assert.Contains(t, out, "balanced")
}

func TestStockerctl_RejectsOverspend(t *testing.T) {
	db := filepath.Join(t.TempDir(), "stocker.db")

	_, err := run(t, db, "account", "open", "bob", "--balance", "100")
	require.NoError(t, err)

	_, err = run(t, db, "buy", "bob", "AAPL", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Contains(t, err.Error(), "short $85.50")

	_, err = run(t, db, "buy", "bob", "AAPL", "many")
	assert.ErrorContains(t, err, "not a whole number")
}

func TestStockerctl_UnknownAccount(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "stocker.db"), "portfolio", "nobody")
	assert.ErrorContains(t, err, "unknown account")
}

func TestStockerctl_Quotes(t *testing.T) {
	out, err := run(t, filepath.Join(t.TempDir(), "stocker.db"), "quotes", "msft", "AAPL")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Microsoft Corp.")
	assert.Contains(t, out, "$185.50")
	assert.NotContains(t, out, "NVDA")
}

func TestOpen_LogLevelFromConfigUnlessFlagged(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "stocker.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: error\n"), 0o644))

	flag := NewRootCmd().PersistentFlags().Lookup("log-level")
	require.NotNil(t, flag)
	assert.Empty(t, flag.DefValue)

	rc := &rootConfig{configPath: cfgPath, driver: "sqlite", path: filepath.Join(dir, "stocker.db")}
	e, err := rc.open(context.Background())
	require.NoError(t, err)
	e.close()
	assert.Equal(t, "error", e.cfg.Log.Level)

	rc.logLevel = "debug"
	e, err = rc.open(context.Background())
	require.NoError(t, err)
	e.close()
	assert.Equal(t, "debug", e.cfg.Log.Level)
}
