package esplora

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(&ClientConfig{
		URL:            srv.URL,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
	})
}

func TestGetTipHeight(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, "840000\n")
	})

	c := newTestClient(t, mux)

	height, err := c.GetTipHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 840000, height)
}

func TestGetAddressUTXOs(t *testing.T) {
	t.Parallel()

	const addr = "bcrt1qtest"
	utxos := []*UTXO{{
		TxID: "0000000000000000000000000000000000000000000000000000" +
			"00000000abcd",
		Vout:   1,
		Value:  50_000,
		Status: TxStatus{Confirmed: true, BlockHeight: 100},
	}}

	mux := http.NewServeMux()
	mux.HandleFunc("/address/"+addr+"/utxo", func(w http.ResponseWriter,
		_ *http.Request) {

		require.NoError(t, json.NewEncoder(w).Encode(utxos))
	})

	c := newTestClient(t, mux)

	got, err := c.GetAddressUTXOs(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, utxos, got)

	op, err := got[0].OutPoint()
	require.NoError(t, err)
	require.EqualValues(t, 1, op.Index)
	require.Equal(t, utxos[0].TxID, op.Hash.String())
}

func TestGetAddressInfoUsed(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/address/fresh", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, `{"address":"fresh",`+
			`"chain_stats":{"tx_count":0},`+
			`"mempool_stats":{"tx_count":0}}`)
	})
	mux.HandleFunc("/address/pending", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, `{"address":"pending",`+
			`"chain_stats":{"tx_count":0},`+
			`"mempool_stats":{"tx_count":1,"funded_txo_sum":1000}}`)
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	fresh, err := c.GetAddressInfo(ctx, "fresh")
	require.NoError(t, err)
	require.False(t, fresh.Used())

	pending, err := c.GetAddressInfo(ctx, "pending")
	require.NoError(t, err)
	require.True(t, pending.Used())
	require.EqualValues(t, 1000, pending.MempoolStats.FundedTxoSum)
}

func TestGetFeeEstimates(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, `{"1":20.5,"3":12,"144":1.01}`)
	})

	c := newTestClient(t, mux)

	fees, err := c.GetFeeEstimates(context.Background())
	require.NoError(t, err)
	require.Equal(t, FeeEstimates{"1": 20.5, "3": 12, "144": 1.01}, fees)
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFoundHandler())

	_, err := c.GetAddressInfo(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestRetryOnServerError checks 5xx answers are retried until one succeeds.
func TestRetryOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		_ *http.Request) {

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = io.WriteString(w, "12")
	}))

	height, err := c.GetTipHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 12, height)
	require.EqualValues(t, 3, calls.Load())
}

// TestRetriesExhausted returns the last status once retries run out.
func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		_ *http.Request) {

		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.GetTipHeight(context.Background())
	require.ErrorContains(t, err, "status 502")
	require.EqualValues(t, 3, calls.Load())
}

func TestBroadcastTx(t *testing.T) {
	t.Parallel()

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	txid := tx.TxHash()

	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NotEmpty(t, body)

		_, _ = io.WriteString(w, txid.String())
	})

	c := newTestClient(t, mux)

	got, err := c.BroadcastTx(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, txid, *got)
}
