package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/app"
	"github.com/alanyoungcy/ledgersync/internal/config"
	"github.com/alanyoungcy/ledgersync/internal/crypto"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, app.Version+"\n", out)
}

func TestEncryptSecret(t *testing.T) {
	t.Setenv(config.MasterPasswordEnv, "hunter2")

	out, err := run(t, "s3cr3t\n", "encrypt-secret")
	require.NoError(t, err)

	enc := strings.TrimSpace(out)
	assert.True(t, crypto.IsEncrypted(enc))
	plain, err := crypto.DecryptSecret(enc, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", plain)
}

func TestEncryptSecretRequiresPassword(t *testing.T) {
	t.Setenv(config.MasterPasswordEnv, "")
	_, err := run(t, "", "encrypt-secret", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.MasterPasswordEnv)
}

func TestReconcileDryRunPaperMemory(t *testing.T) {
	t.Setenv("LEDGERSYNC_LEDGER_DRIVER", "memory")
	t.Setenv("LEDGERSYNC_BROKER_DRIVER", "paper")
	t.Setenv("LEDGERSYNC_STORE_DRIVER", "memory")

	out, err := run(t, "", "--config", "config.toml", "reconcile", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")
}
