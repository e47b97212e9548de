package receiver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/weightxfer/audit"
	"github.com/opd-ai/weightxfer/client"
	"github.com/opd-ai/weightxfer/file"
	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/opd-ai/weightxfer/status"
	xfertest "github.com/opd-ai/weightxfer/testing"
	"github.com/opd-ai/weightxfer/transport"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *status.Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	rec := status.NewRecorder()

	opts := DefaultOptions()
	opts.Addr = "127.0.0.1:0"
	opts.NodeID = "receiver-1"
	opts.Dir = dir
	opts.Sink = rec
	opts.Destinations = map[string]Destination{
		"global_model": {Path: "global_latest.h5", Info: "global_model_info.json"},
	}
	if mutate != nil {
		mutate(opts)
	}

	srv, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		srv.Wait()
	})
	return srv, rec, dir
}

func newClient(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	opts := client.DefaultOptions()
	opts.Timeout = 5 * time.Second
	opts.RetryDelay = 10 * time.Millisecond
	opts.MaxAttempts = 1
	opts.NodeID = "node-1"
	c, err := client.New(srv.Addr().String(), opts)
	require.NoError(t, err)
	return c
}

func writeSource(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "local_model.h5")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func rawMeta(fileType string, payload []byte) *transport.Metadata {
	return transport.NewMetadata(fileType, "whatever.h5", int64(len(payload)), sha256Hex(payload), "node-raw", time.Now())
}

func stopAndWait(srv *Server) {
	srv.Stop()
	srv.Wait()
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	opts := DefaultOptions()
	_, err = New(opts)
	assert.Error(t, err, "no destinations")

	opts.Destinations = map[string]Destination{"model": {Path: "../escape.h5"}}
	_, err = New(opts)
	assert.Error(t, err)

	opts.Destinations = map[string]Destination{"model": {Path: "m.h5"}}
	opts.ChunkSize = 10
	_, err = New(opts)
	assert.Error(t, err)
}

func TestRoundTripOneMegabyte(t *testing.T) {
	srv, rec, dir := newTestServer(t, nil)
	data := randomBytes(t, 1<<20)

	res, err := newClient(t, srv).Send(context.Background(), writeSource(t, data), "global_model")
	require.NoError(t, err)
	assert.Equal(t, transport.TokenSuccess, res.Token)
	stopAndWait(srv)

	got, err := os.ReadFile(filepath.Join(dir, "global_latest.h5"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	_, err = os.Stat(filepath.Join(dir, "global_latest.h5"+PartialSuffix))
	assert.True(t, os.IsNotExist(err))

	info, err := audit.ReadRecord(filepath.Join(dir, "global_model_info.json"))
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(data), info.FileHash)
	assert.Equal(t, int64(1<<20), info.FileSize)
	assert.Equal(t, "node-1", info.Sender)
	assert.Equal(t, "receiver-1", info.NodeID)

	succeeded := rec.ByStatus(interfaces.StatusSucceeded)
	require.Len(t, succeeded, 1)
	assert.Equal(t, int64(1<<20), succeeded[0].Bytes)
	assert.Equal(t, interfaces.DirectionReceive, succeeded[0].Direction)

	progress := rec.ByStatus(interfaces.StatusProgress)
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(1<<20), progress[len(progress)-1].Bytes)

	var received bool
	for _, line := range srv.AuditLog().Recent(0) {
		if strings.Contains(line, "Received global_model from node-1") {
			received = true
		}
	}
	assert.True(t, received)
	assert.Empty(t, srv.Active())
}

func TestInfoRecordNamesReceiver(t *testing.T) {
	srv, _, dir := newTestServer(t, nil)
	payload := []byte("aggregated weights")
	meta := rawMeta("global_model", payload)
	meta.NodeID = ""
	meta.Sender = "aggregator"

	ex, err := xfertest.NewRawSender(srv.Addr().String()).Send(context.Background(), meta, payload, xfertest.Mutation{})
	require.NoError(t, err)
	require.Equal(t, transport.TokenSuccess, ex.Final)
	stopAndWait(srv)

	info, err := audit.ReadRecord(filepath.Join(dir, "global_model_info.json"))
	require.NoError(t, err)
	assert.Equal(t, "aggregator", info.Sender)
	assert.Equal(t, "receiver-1", info.NodeID)
}

func TestInfoRecordDirectoryCreated(t *testing.T) {
	srv, _, dir := newTestServer(t, func(o *Options) {
		o.Destinations["global_model"] = Destination{Path: "global_latest.h5", Info: "records/global_model_info.json"}
	})

	_, err := newClient(t, srv).Send(context.Background(), writeSource(t, []byte("abc")), "global_model")
	require.NoError(t, err)
	stopAndWait(srv)

	info, err := audit.ReadRecord(filepath.Join(dir, "records", "global_model_info.json"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.FileSize)
}

func TestNewCopiesDestinations(t *testing.T) {
	opts := DefaultOptions()
	opts.Addr = "127.0.0.1:0"
	opts.Dir = t.TempDir()
	opts.Destinations = map[string]Destination{"global_model": {Path: "global_latest.h5"}}

	srv, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { stopAndWait(srv) })

	delete(opts.Destinations, "global_model")
	opts.Destinations["model"] = Destination{Path: "model.h5"}

	c := newClient(t, srv)
	_, err = c.Send(context.Background(), writeSource(t, []byte("x")), "global_model")
	assert.NoError(t, err)
	_, err = c.Send(context.Background(), writeSource(t, []byte("x")), "model")
	assert.ErrorIs(t, err, client.ErrRejected)
}

func TestEmptyPayload(t *testing.T) {
	srv, _, dir := newTestServer(t, nil)

	_, err := newClient(t, srv).Send(context.Background(), writeSource(t, nil), "global_model")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "global_latest.h5"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestSizeMismatch(t *testing.T) {
	for _, atomicReplace := range []bool{true, false} {
		t.Run(fmt.Sprintf("atomic=%v", atomicReplace), func(t *testing.T) {
			srv, rec, dir := newTestServer(t, func(o *Options) { o.AtomicReplace = atomicReplace })
			payload := randomBytes(t, 1000)

			ex, err := xfertest.NewRawSender(srv.Addr().String()).Send(
				context.Background(), rawMeta("global_model", payload), payload, xfertest.Truncated(500))
			require.NoError(t, err)
			assert.Equal(t, transport.TokenReady, ex.Ack)
			assert.Equal(t, transport.TokenSizeMismatch, ex.Final)
			stopAndWait(srv)

			dest := filepath.Join(dir, "global_latest.h5")
			if atomicReplace {
				assert.NoFileExists(t, dest)
				assert.NoFileExists(t, dest+PartialSuffix)
			} else {
				got, err := os.ReadFile(dest)
				require.NoError(t, err)
				assert.Len(t, got, 500)
			}
			assert.NoFileExists(t, filepath.Join(dir, "global_model_info.json"))
			assert.Empty(t, rec.ByStatus(interfaces.StatusSucceeded))
			assert.Len(t, rec.ByStatus(interfaces.StatusFailed), 1)
		})
	}
}

func TestHashMismatchKeepsPreviousVersion(t *testing.T) {
	srv, _, dir := newTestServer(t, nil)
	dest := filepath.Join(dir, "global_latest.h5")
	require.NoError(t, os.WriteFile(dest, []byte("previous"), 0o644))

	payload := randomBytes(t, 4096)
	ex, err := xfertest.NewRawSender(srv.Addr().String()).Send(
		context.Background(), rawMeta("global_model", payload), payload, xfertest.Flipped(100))
	require.NoError(t, err)
	assert.Equal(t, transport.TokenHashMismatch, ex.Final)
	stopAndWait(srv)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))
	assert.NoFileExists(t, dest+PartialSuffix)
}

func TestHashMismatchInPlaceLeavesCorruptFile(t *testing.T) {
	srv, _, dir := newTestServer(t, func(o *Options) { o.AtomicReplace = false })

	payload := randomBytes(t, 4096)
	ex, err := xfertest.NewRawSender(srv.Addr().String()).Send(
		context.Background(), rawMeta("global_model", payload), payload, xfertest.Flipped(0))
	require.NoError(t, err)
	assert.Equal(t, transport.TokenHashMismatch, ex.Final)
	stopAndWait(srv)

	got, err := os.ReadFile(filepath.Join(dir, "global_latest.h5"))
	require.NoError(t, err)
	assert.Len(t, got, 4096)
	assert.NotEqual(t, payload[0], got[0])
}

func TestBackupBeforeOverwrite(t *testing.T) {
	backupDir := filepath.Join(t.TempDir(), "backups")
	for _, tc := range []struct {
		name      string
		backupDir string
	}{
		{"next to destination", ""},
		{"separate directory", backupDir},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv, _, dir := newTestServer(t, func(o *Options) { o.BackupDir = tc.backupDir })
			dest := filepath.Join(dir, "global_latest.h5")
			require.NoError(t, os.WriteFile(dest, []byte("old weights"), 0o644))

			data := randomBytes(t, 10000)
			_, err := newClient(t, srv).Send(context.Background(), writeSource(t, data), "global_model")
			require.NoError(t, err)
			stopAndWait(srv)

			got, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))

			where := tc.backupDir
			if where == "" {
				where = dir
			}
			backups, err := filepath.Glob(filepath.Join(where, "global_latest_backup_*.h5"))
			require.NoError(t, err)
			require.Len(t, backups, 1)
			old, err := os.ReadFile(backups[0])
			require.NoError(t, err)
			assert.Equal(t, "old weights", string(old))
		})
	}
}

func TestInvalidTypeRejectedBeforeReady(t *testing.T) {
	srv, rec, dir := newTestServer(t, nil)
	payload := []byte("data")

	ex, err := xfertest.NewRawSender(srv.Addr().String()).Send(
		context.Background(), rawMeta("model", payload), payload, xfertest.Mutation{})
	require.NoError(t, err)
	assert.Equal(t, transport.TokenInvalidType, ex.Ack)
	assert.Empty(t, ex.Final)
	stopAndWait(srv)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Len(t, rec.ByStatus(interfaces.StatusRejected), 1)
	assert.Empty(t, rec.ByStatus(interfaces.StatusStarted))
}

func TestInvalidTypeNotRetriedByClient(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	c := newClient(t, srv)

	res, err := c.Send(context.Background(), writeSource(t, []byte("x")), "model")
	assert.ErrorIs(t, err, client.ErrRejected)
	assert.Equal(t, 1, res.Attempts)
}

func TestInvalidMetadataGetsError(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	meta := rawMeta("global_model", []byte("x"))
	meta.FileHash = ""

	ex, err := xfertest.NewRawSender(srv.Addr().String()).Send(context.Background(), meta, []byte("x"), xfertest.Mutation{})
	require.NoError(t, err)
	assert.Equal(t, transport.TokenError, ex.Ack)
}

func TestWrongLengthDigestGetsError(t *testing.T) {
	srv, rec, dir := newTestServer(t, nil)
	payload := []byte("weights")
	meta := rawMeta("global_model", payload)
	meta.FileHash = meta.FileHash[:40]

	ex, err := xfertest.NewRawSender(srv.Addr().String()).Send(context.Background(), meta, payload, xfertest.Mutation{})
	require.NoError(t, err)
	assert.Equal(t, transport.TokenError, ex.Ack)
	assert.NoFileExists(t, filepath.Join(dir, "global_latest.h5"))
	assert.Empty(t, rec.ByStatus(interfaces.StatusStarted))
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, transport.WriteFrame(conn, []byte("{not json")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = transport.ReadToken(conn)
	assert.ErrorIs(t, err, transport.ErrEmptyToken)
}

func TestPingConnectionIsHarmless(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	c := newClient(t, srv)
	require.NoError(t, c.Ping(context.Background()))

	_, err := c.Send(context.Background(), writeSource(t, []byte("after ping")), "global_model")
	assert.NoError(t, err)
}

func TestConcurrentDistinctDestinations(t *testing.T) {
	const n = 8
	srv, _, dir := newTestServer(t, func(o *Options) {
		o.Destinations = make(map[string]Destination)
		for i := 0; i < n; i++ {
			o.Destinations[fmt.Sprintf("shard%d", i)] = Destination{Path: fmt.Sprintf("shard%d.bin", i)}
		}
	})

	payloads := make([][]byte, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		payloads[i] = randomBytes(t, 64*1024+i)
		path := writeSource(t, payloads[i])
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			_, err := newClient(t, srv).Send(context.Background(), path, fmt.Sprintf("shard%d", i))
			errs <- err
		}(i, path)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	stopAndWait(srv)

	for i := 0; i < n; i++ {
		got, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("shard%d.bin", i)))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payloads[i], got), "shard %d", i)
	}
	assert.Equal(t, 0, srv.locks.size())
}

func TestConcurrentSameDestinationSerialised(t *testing.T) {
	srv, _, dir := newTestServer(t, nil)
	a, b := randomBytes(t, 200000), randomBytes(t, 200000)
	pa, pb := writeSource(t, a), writeSource(t, b)

	var wg sync.WaitGroup
	for _, p := range []string{pa, pb} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := newClient(t, srv).Send(context.Background(), p, "global_model")
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()
	stopAndWait(srv)

	got, err := os.ReadFile(filepath.Join(dir, "global_latest.h5"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, a) || bytes.Equal(got, b))

	info, err := audit.ReadRecord(filepath.Join(dir, "global_model_info.json"))
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(got), info.FileHash)
}

func TestConnectionCap(t *testing.T) {
	srv, _, _ := newTestServer(t, func(o *Options) { o.MaxConnections = 1 })
	payload := randomBytes(t, 1000)

	held := make(chan xfertest.Exchange, 1)
	go func() {
		ex, _ := xfertest.NewRawSender(srv.Addr().String()).Send(
			context.Background(), rawMeta("global_model", payload), payload, xfertest.Mutation{Hold: 500 * time.Millisecond})
		held <- ex
	}()
	require.Eventually(t, func() bool { return len(srv.Active()) == 1 }, 5*time.Second, 5*time.Millisecond)

	ex, err := xfertest.NewRawSender(srv.Addr().String()).Send(
		context.Background(), rawMeta("global_model", payload), payload, xfertest.Mutation{})
	require.NoError(t, err)
	assert.Equal(t, transport.TokenError, ex.Ack)

	first := <-held
	assert.Equal(t, transport.TokenSuccess, first.Final)
}

func TestIdleTimeoutEndsStalledSession(t *testing.T) {
	srv, _, dir := newTestServer(t, func(o *Options) { o.IdleTimeout = 100 * time.Millisecond })

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, transport.WriteMetadata(conn, rawMeta("global_model", []byte("never sent"))))
	tok, err := transport.ReadToken(conn)
	require.NoError(t, err)
	require.Equal(t, transport.TokenReady, tok)

	tok, err = transport.ReadToken(conn)
	require.NoError(t, err)
	assert.Equal(t, transport.TokenSizeMismatch, tok)
	stopAndWait(srv)
	assert.NoFileExists(t, filepath.Join(dir, "global_latest.h5"))
}

func TestStatusReportFlagsStalledTransfer(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(func() { logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks)) })

	srv, _, _ := newTestServer(t, func(o *Options) {
		o.IdleTimeout = time.Second
		o.StatusInterval = 20 * time.Millisecond
	})
	payload := randomBytes(t, 2048)

	done := make(chan xfertest.Exchange, 1)
	go func() {
		ex, _ := xfertest.NewRawSender(srv.Addr().String()).Send(
			context.Background(), rawMeta("global_model", payload), payload, xfertest.Mutation{Hold: 800 * time.Millisecond})
		done <- ex
	}()

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "Transfer stalled" && e.Level == logrus.WarnLevel {
				return e.Data["file_type"] == "global_model"
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	ex := <-done
	assert.Equal(t, transport.TokenSuccess, ex.Final)
}

func TestStalledThreshold(t *testing.T) {
	srv, _, _ := newTestServer(t, func(o *Options) {
		o.IdleTimeout = time.Second
		o.StatusInterval = 0
	})
	assert.False(t, srv.stalled(file.Stats{Idle: 400 * time.Millisecond}))
	assert.True(t, srv.stalled(file.Stats{Idle: 600 * time.Millisecond}))

	srv.opts.IdleTimeout = 0
	assert.False(t, srv.stalled(file.Stats{Idle: time.Hour}))
}

func TestStopLetsInFlightFinish(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	addr := srv.Addr().String()
	payload := randomBytes(t, 2048)

	done := make(chan xfertest.Exchange, 1)
	go func() {
		ex, _ := xfertest.NewRawSender(addr).Send(
			context.Background(), rawMeta("global_model", payload), payload, xfertest.Mutation{Hold: 200 * time.Millisecond})
		done <- ex
	}()
	require.Eventually(t, func() bool { return len(srv.Active()) == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)

	ex := <-done
	assert.Equal(t, transport.TokenSuccess, ex.Final)
	srv.Wait()
	assert.NoError(t, srv.Stop())
}

func TestStartTwiceAndRestart(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	assert.Error(t, srv.Start())

	stopAndWait(srv)
	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())

	_, err := newClient(t, srv).Send(context.Background(), writeSource(t, []byte("again")), "global_model")
	assert.NoError(t, err)
}

func TestListenAndServe(t *testing.T) {
	opts := DefaultOptions()
	opts.Addr = "127.0.0.1:0"
	opts.Dir = t.TempDir()
	opts.Destinations = map[string]Destination{"model": {Path: "received_model.h5"}}
	srv, err := New(opts)
	require.NoError(t, err)
	assert.Nil(t, srv.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx) }()

	require.Eventually(t, srv.IsRunning, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
	assert.False(t, srv.IsRunning())
}

func TestAuditLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "receiver.log")
	auditLog, err := audit.OpenLog(logPath, 0)
	require.NoError(t, err)
	defer auditLog.Close()

	srv, _, _ := newTestServer(t, func(o *Options) { o.AuditLog = auditLog })
	_, err = newClient(t, srv).Send(context.Background(), writeSource(t, []byte("abc")), "global_model")
	require.NoError(t, err)
	stopAndWait(srv)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Received global_model from node-1 (3 bytes, ")
	assert.Contains(t, string(data), "Receiver stopped")
}
