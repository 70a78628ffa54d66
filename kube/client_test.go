package kube

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoClusters = `
apiVersion: v1
kind: Config
clusters:
  - name: east
    cluster: {server: "https://east.example.com:6443"}
  - name: west
    cluster: {server: "https://west.example.com:6443"}
users:
  - name: ci
    user: {token: secret}
contexts:
  - name: east
    context: {cluster: east, user: ci}
  - name: west
    context: {cluster: west, user: ci}
current-context: east
`

func TestRestConfigSelectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(twoClusters), 0o600))

	cfg, err := restConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, "https://east.example.com:6443", cfg.Host)
	assert.Equal(t, "jobdag", cfg.UserAgent)

	cfg, err = restConfig(path, "west")
	require.NoError(t, err)
	assert.Equal(t, "https://west.example.com:6443", cfg.Host)
	assert.Equal(t, "secret", cfg.BearerToken)

	_, err = restConfig(path, "north")
	assert.ErrorContains(t, err, `context "north"`)
}
