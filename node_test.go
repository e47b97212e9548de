package weightxfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/weightxfer/audit"
	"github.com/opd-ai/weightxfer/client"
	"github.com/opd-ai/weightxfer/config"
	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/opd-ai/weightxfer/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, role config.Role, nodeID string) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.NodeID = nodeID
	cfg.ApplyRole(role)
	cfg.Receiver.Host = "127.0.0.1"
	cfg.Receiver.Port = 0
	cfg.Receiver.Dir = t.TempDir()
	cfg.FileTransfer.Timeout = 5 * time.Second
	cfg.FileTransfer.RetryDelay = 20 * time.Millisecond
	return cfg
}

// runNode starts n in the background and returns its receiver address.
func runNode(t *testing.T, n *Node) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.Eventually(t, n.Receiver().IsRunning, 5*time.Second, 5*time.Millisecond)
	return n.Receiver().Addr().String()
}

func writeFile(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	return data
}

func TestNewNodeValidates(t *testing.T) {
	cfg := testConfig(t, config.RoleNode, "n1")
	cfg.FileTransfer.RetryAttempts = 0
	_, err := NewNode(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = testConfig(t, config.RoleNode, "n1")
	cfg.Watch.Enabled = true
	cfg.Watch.Files = map[string]string{filepath.Join(t.TempDir(), "m.h5"): "model"}
	_, err = NewNode(cfg, nil)
	assert.ErrorIs(t, err, ErrNoServer)
}

func TestNodeWithoutServerCannotSend(t *testing.T) {
	n, err := NewNode(testConfig(t, config.RoleNode, "n1"), status.Discard)
	require.NoError(t, err)
	defer n.Close()

	assert.Nil(t, n.Client())
	_, err = n.Send(context.Background(), "x", "model")
	assert.ErrorIs(t, err, ErrNoServer)
	_, err = n.SendModelAndMetadata(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrNoServer)
}

func TestModelAndMetadataReachAggregator(t *testing.T) {
	aggCfg := testConfig(t, config.RoleAggregator, "aggregator")
	agg, err := NewNode(aggCfg, status.Discard)
	require.NoError(t, err)
	addr := runNode(t, agg)

	src := t.TempDir()
	model := writeFile(t, src, "local_model.h5", 300000)
	meta := writeFile(t, src, "metadata.json", 512)

	nodeCfg := testConfig(t, config.RoleNode, "node-2")
	nodeCfg.Client.ServerAddress = addr
	rec := status.NewRecorder()
	node, err := NewNode(nodeCfg, rec)
	require.NoError(t, err)
	defer node.Close()

	batch, err := node.SendModelAndMetadata(context.Background(),
		filepath.Join(src, "local_model.h5"), filepath.Join(src, "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, client.OutcomeAll, batch.Outcome)

	got, err := os.ReadFile(filepath.Join(aggCfg.Receiver.Dir, "received_model.h5"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(model, got))
	got, err = os.ReadFile(filepath.Join(aggCfg.Receiver.Dir, "received_metadata.json"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(meta, got))

	assert.Len(t, rec.ByStatus(interfaces.StatusSucceeded), 2)

	recent := node.AuditLog().Recent(1)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0], "all (2/2)")
}

func TestGlobalModelInstalledOnNode(t *testing.T) {
	nodeCfg := testConfig(t, config.RoleNode, "node-1")
	node, err := NewNode(nodeCfg, status.Discard)
	require.NoError(t, err)
	addr := runNode(t, node)

	dir := nodeCfg.Receiver.Dir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "global_latest.h5"), []byte("round 1"), 0o644))

	src := t.TempDir()
	data := writeFile(t, src, "global_model.h5", 4096)

	aggCfg := testConfig(t, config.RoleAggregator, "aggregator")
	aggCfg.Client.ServerAddress = addr
	agg, err := NewNode(aggCfg, status.Discard)
	require.NoError(t, err)
	defer agg.Close()

	res, err := agg.Send(context.Background(), filepath.Join(src, "global_model.h5"), "global_model")
	require.NoError(t, err)
	assert.True(t, res.OK())

	got, err := os.ReadFile(filepath.Join(dir, "global_latest.h5"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	backups, err := filepath.Glob(filepath.Join(dir, "global_latest_backup_*.h5"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	require.Eventually(t, func() bool {
		rec, err := audit.ReadRecord(filepath.Join(dir, "global_model_info.json"))
		return err == nil && rec.Sender == "aggregator" && rec.NodeID == "node-1" && rec.FileSize == 4096
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunForwardsWatchedFiles(t *testing.T) {
	aggCfg := testConfig(t, config.RoleAggregator, "aggregator")
	agg, err := NewNode(aggCfg, status.Discard)
	require.NoError(t, err)
	addr := runNode(t, agg)

	exportDir := t.TempDir()
	modelPath := filepath.Join(exportDir, "local_model.h5")

	nodeCfg := testConfig(t, config.RoleNode, "node-3")
	nodeCfg.Client.ServerAddress = addr
	nodeCfg.Watch.Enabled = true
	nodeCfg.Watch.Debounce = 50 * time.Millisecond
	nodeCfg.Watch.Files = map[string]string{modelPath: "model"}
	node, err := NewNode(nodeCfg, status.Discard)
	require.NoError(t, err)
	runNode(t, node)

	data := writeFile(t, exportDir, "local_model.h5", 20000)

	dest := filepath.Join(aggCfg.Receiver.Dir, "received_model.h5")
	require.Eventually(t, func() bool {
		got, err := os.ReadFile(dest)
		return err == nil && bytes.Equal(got, data)
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, line := range node.AuditLog().Recent(0) {
			if strings.Contains(line, "Sent "+modelPath) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunWritesAuditLogFile(t *testing.T) {
	cfg := testConfig(t, config.RoleNode, "node-9")
	n, err := NewNode(cfg, status.Discard)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	require.Eventually(t, n.Receiver().IsRunning, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	data, err := os.ReadFile(filepath.Join(cfg.Receiver.Dir, "receiver.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Node node-9 started as node")
	assert.Contains(t, string(data), "Node node-9 stopped")
	assert.NoError(t, n.Close())
}
