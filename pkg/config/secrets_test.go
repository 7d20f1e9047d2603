package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{
		EnvAnthropicAPIKey: "sk-ant-test123",
		EnvOpenAIAPIKey:    "sk-test-openai",
	}

	require.NoError(t, EncryptSecretsFile(dir, "correct horse", secrets))
	assert.True(t, SecretsFileExists(dir))

	info, err := os.Stat(SecretsFilePath(dir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	decrypted, err := DecryptSecretsFile(dir, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, secrets, decrypted)
}

func TestDecryptWrongPassword(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(dir, "right", map[string]string{"K": "V"}))

	_, err := DecryptSecretsFile(dir, "wrong")
	assert.ErrorContains(t, err, "decryption failed")
}

func TestDecryptCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(dir, "pw", map[string]string{"K": "V"}))
	require.NoError(t, os.WriteFile(SecretsFilePath(dir), []byte("short"), 0o600))

	_, err := DecryptSecretsFile(dir, "pw")
	assert.ErrorContains(t, err, "too small")
}

func TestLoadSecretsFileFeedsGetSecret(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(dir, "pw", map[string]string{EnvGoogleAPIKey: "g-key"}))

	require.NoError(t, LoadSecretsFile(dir, "pw"))
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	v, err := GetSecret(EnvGoogleAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "g-key", v)
	assert.Equal(t, []string{EnvGoogleAPIKey}, SecretNames())
}
