package httpserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

func TestVerifyBootstrapPassword(t *testing.T) {
	dir := t.TempDir()
	v := newCredentialVerifier("admin", "ChangeMe", wlog.NewDiscard())
	v.hashPath = filepath.Join(dir, "password.hash")

	require.True(t, v.verify("admin", "ChangeMe"))
	require.False(t, v.verify("admin", "wrong"))
	require.False(t, v.verify("someone-else", "ChangeMe"))
}

func TestChangePasswordSwitchesToHashVerification(t *testing.T) {
	dir := t.TempDir()
	v := newCredentialVerifier("admin", "ChangeMe", wlog.NewDiscard())
	v.hashPath = filepath.Join(dir, "password.hash")

	require.NoError(t, v.changePassword("ChangeMe", "NewPassw0rd"))
	require.FileExists(t, v.hashPath)

	info, err := os.Stat(v.hashPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.True(t, v.verify("admin", "NewPassw0rd"))
	require.False(t, v.verify("admin", "ChangeMe"))
}

func TestChangePasswordRejectsWeakPassword(t *testing.T) {
	dir := t.TempDir()
	v := newCredentialVerifier("admin", "ChangeMe", wlog.NewDiscard())
	v.hashPath = filepath.Join(dir, "password.hash")

	err := v.changePassword("ChangeMe", "alllowercase1")
	require.ErrorIs(t, err, errWeakPassword)
}

func TestChangePasswordRejectsWrongCurrentPassword(t *testing.T) {
	dir := t.TempDir()
	v := newCredentialVerifier("admin", "ChangeMe", wlog.NewDiscard())
	v.hashPath = filepath.Join(dir, "password.hash")

	err := v.changePassword("WrongCurrent", "NewPassw0rd")
	require.ErrorIs(t, err, errInvalidCredentials)
}

func TestValidatePasswordComplexity(t *testing.T) {
	require.NoError(t, validatePasswordComplexity("Abcdefg1"))
	require.Error(t, validatePasswordComplexity("short1A"))
	require.Error(t, validatePasswordComplexity("alllowercase1"))
	require.Error(t, validatePasswordComplexity("ALLUPPERCASE1"))
	require.Error(t, validatePasswordComplexity("NoDigitsHere"))
}
