package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateNamespaceRequiresPrefix(t *testing.T) {
	require.NoError(t, ValidateNamespace("ns-acme-prod"))

	err := ValidateNamespace("acme-prod")
	require.ErrorIs(t, err, ErrMissingPrefix)

	err = ValidateNamespace("")
	require.ErrorIs(t, err, ErrEmptyNamespace)

	err = ValidateNamespace(NamespacePrefix)
	require.Error(t, err)
}

func TestConfigValidateLocalMode(t *testing.T) {
	c := Config{Namespace: "ns-local", LocalDir: "/tmp/wal", LocalMode: true}
	require.NoError(t, c.Validate())

	c.LocalDir = ""
	require.Error(t, c.Validate())
}

func TestConfigValidateRemoteModeRequiresCredentials(t *testing.T) {
	c := Config{Namespace: "ns-remote", LocalDir: "/tmp/wal", Bucket: "segments"}
	err := c.Validate()
	require.Error(t, err, "missing credentials should fail validation")

	c.AccessKeyID = "AKIA"
	c.SecretAccessKey = "secret"
	require.NoError(t, c.Validate())
}

func TestNewS3ClientRejectsLocalMode(t *testing.T) {
	c := Config{
		Namespace: "ns-local", LocalDir: "/tmp/wal", LocalMode: true,
	}
	_, err := NewS3Client(context.Background(), c)
	require.Error(t, err)
}

func TestNewS3ClientBuildsClientForRemoteConfig(t *testing.T) {
	c := Config{
		Namespace:       "ns-remote",
		LocalDir:        "/tmp/wal",
		Endpoint:        "http://127.0.0.1:9000",
		Region:          "us-east-1",
		Bucket:          "segments",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
	}
	client, err := NewS3Client(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, client)
}
