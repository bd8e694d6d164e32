package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainwatch/internal/alerting"
	"github.com/mbd888/chainwatch/internal/anomaly"
	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/risk"
)

type fakeSource struct {
	mu  sync.Mutex
	txs map[string][]chain.Transaction
	err error
}

func (f *fakeSource) ListTransactions(ctx context.Context, address string, since, until time.Time) ([]chain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []chain.Transaction
	for _, tx := range f.txs[chain.NormalizeAddress(address)] {
		if tx.Timestamp.After(since) && !tx.Timestamp.After(until) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func testService(t *testing.T, source *fakeSource, store *alerting.MemoryStore) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	seq := anomaly.NewSequenceModel(logger)
	out := anomaly.NewOutlierModel(logger)
	engine := risk.NewEngine(risk.NewMemoryStore())
	correlator := alerting.NewCorrelator(store, store, logger)
	return NewService(source, seq, out, engine, correlator, store, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestScanAddressLargeTransactionAlert(t *testing.T) {
	now := time.Now()
	source := &fakeSource{txs: map[string][]chain.Transaction{
		"0xaaa": {{
			Blockchain: "ethereum", Hash: "0x1", FromAddress: "0xaaa", ToAddress: "0xbbb",
			Value: 600000, Timestamp: now.Add(-time.Minute),
		}},
	}}
	store := alerting.NewMemoryStore()
	store.AddMonitor(alerting.WalletMonitor{
		UserID: 1, WalletAddress: "0xaaa", Blockchain: "ethereum", AlertEnabled: true,
	})

	svc := testService(t, source, store)
	svc.scanAddress(context.Background(), "ethereum:0xaaa", "0xaaa", "ethereum")

	alerts, err := store.AlertsForUser(context.Background(), 1, "", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alerting.AlertLargeTransaction, alerts[0].AlertType)
}

func TestScanAddressDispersionAlert(t *testing.T) {
	now := time.Now()
	var txs []chain.Transaction
	for i := 0; i < 4; i++ {
		txs = append(txs, chain.Transaction{
			Blockchain:  "ethereum",
			Hash:        fmt.Sprintf("0x%d", i),
			FromAddress: "0xfan",
			ToAddress:   fmt.Sprintf("0xrecipient%d", i),
			Value:       10,
			Timestamp:   now.Add(-time.Duration(4-i) * time.Minute),
		})
	}
	source := &fakeSource{txs: map[string][]chain.Transaction{"0xfan": txs}}
	store := alerting.NewMemoryStore()
	store.AddConfig(alerting.AlertConfig{UserID: 2, AlertType: alerting.AlertFundDispersion, Enabled: true})

	svc := testService(t, source, store)
	svc.scanAddress(context.Background(), "ethereum:0xfan", "0xfan", "ethereum")

	alerts, err := store.AlertsForUser(context.Background(), 2, "", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alerting.AlertFundDispersion, alerts[0].AlertType)
}

func TestScanAddressAdvancesWindow(t *testing.T) {
	now := time.Now()
	source := &fakeSource{txs: map[string][]chain.Transaction{
		"0xaaa": {{
			Blockchain: "ethereum", Hash: "0x1", FromAddress: "0xaaa", ToAddress: "0xbbb",
			Value: 600000, Timestamp: now.Add(-time.Minute),
		}},
	}}
	store := alerting.NewMemoryStore()
	store.AddMonitor(alerting.WalletMonitor{
		UserID: 1, WalletAddress: "0xaaa", Blockchain: "ethereum", AlertEnabled: true,
	})

	svc := testService(t, source, store)
	svc.scanAddress(context.Background(), "ethereum:0xaaa", "0xaaa", "ethereum")
	// Second scan sees no transactions newer than the first scan.
	svc.scanAddress(context.Background(), "ethereum:0xaaa", "0xaaa", "ethereum")

	alerts, err := store.AlertsForUser(context.Background(), 1, "", 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestScanSkipsDisabledAndDuplicateMonitors(t *testing.T) {
	source := &fakeSource{txs: map[string][]chain.Transaction{}}
	store := alerting.NewMemoryStore()
	store.AddMonitor(alerting.WalletMonitor{UserID: 1, WalletAddress: "0xaaa", Blockchain: "ethereum", AlertEnabled: false})
	store.AddMonitor(alerting.WalletMonitor{UserID: 2, WalletAddress: "0xBBB", Blockchain: "ethereum", AlertEnabled: true})
	store.AddMonitor(alerting.WalletMonitor{UserID: 3, WalletAddress: "0xbbb", Blockchain: "ethereum", AlertEnabled: true})

	svc := testService(t, source, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.pool.Start(ctx)
	defer svc.pool.Close()

	svc.scan(ctx)
	// Drain: one unit for the deduplicated 0xbbb pair, none for 0xaaa.
	time.Sleep(100 * time.Millisecond)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Len(t, svc.lastRun, 1)
	assert.Contains(t, svc.lastRun, "ethereum:0xbbb")
}

func TestServiceStartStop(t *testing.T) {
	source := &fakeSource{txs: map[string][]chain.Transaction{}}
	store := alerting.NewMemoryStore()
	svc := testService(t, source, store).WithScanInterval(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		svc.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, svc.Running, time.Second, 5*time.Millisecond)
	svc.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.False(t, svc.Running())
}

func TestPoolSerializesSameKey(t *testing.T) {
	pool := NewPool(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var active, peak, runs int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(8)
	for i := 0; i < 8; i++ {
		err := pool.Submit(ctx, "same", func(context.Context) {
			defer wg.Done()
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			runs++
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	wg.Wait()
	pool.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(8), runs)
	assert.Equal(t, int32(1), peak, "same-key units must never overlap")
}

func TestPoolSubmitCancelled(t *testing.T) {
	pool := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Workers never started; a full queue plus cancelled ctx must not block.
	for i := 0; i < 10; i++ {
		if err := pool.Submit(ctx, "k", func(context.Context) {}); err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			return
		}
	}
	t.Fatal("expected Submit to fail once the queue filled")
}
