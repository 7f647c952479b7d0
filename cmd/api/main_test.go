package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/treadmill/internal/auth"
	"example.com/treadmill/internal/config"
)

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", "/etc/treadmill.yaml", "--log-level", "debug"}))

	path, err := cmd.PersistentFlags().GetString("config")
	require.NoError(t, err)
	require.Equal(t, "/etc/treadmill.yaml", path)

	level, err := cmd.PersistentFlags().GetString("log-level")
	require.NoError(t, err)
	require.Equal(t, "debug", level)
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	t.Setenv("DEVICE_ADDRESS", "not-an-address")
	cmd := newRootCommand()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.ErrorContains(t, err, "device.address")
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--subject", "runner", "--scopes", "sessions:read"})
	require.NoError(t, cmd.Execute())

	cfg, err := config.Load("")
	require.NoError(t, err)
	claims, err := auth.Parse(strings.TrimSpace(out.String()), auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	require.NoError(t, err)
	require.Equal(t, "runner", claims.Subject)
	require.True(t, claims.HasScope(auth.ScopeSessionsRead))
	require.False(t, claims.HasScope(auth.ScopeDeviceControl))
}
