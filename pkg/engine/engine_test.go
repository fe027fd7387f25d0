package engine

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/statengine/pkg/config"
	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/store/proof"
	"github.com/blockberries/statengine/pkg/txcontext"
)

// ledgerApp is a minimal test Application: ExecuteTx interprets payload
// as "credit:<account>:<amount>" and adds amount to the account's
// balance, stored as a big-endian uint64.
type ledgerApp struct {
	BaseApplication
}

func balance(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func encodeBalance(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func (ledgerApp) ExecuteTx(ctx *txcontext.Context, payload []byte) ([]byte, error) {
	account, amount := parseCredit(payload)
	v, err := ctx.Get(account)
	if err != nil {
		return nil, err
	}
	newBal := encodeBalance(balance(v) + amount)
	if err := ctx.Put(account, newBal); err != nil {
		return nil, err
	}
	return newBal, nil
}

func (ledgerApp) CheckTx(ctx *txcontext.Context, payload []byte) ([]byte, error) {
	account, amount := parseCredit(payload)
	v, err := ctx.Get(account)
	if err != nil {
		return nil, err
	}
	return encodeBalance(balance(v) + amount), nil
}

func (ledgerApp) Commit(ctx context.Context) (*CommitResult, error) {
	return &CommitResult{}, nil
}

// parseCredit splits "credit:<account>:<amount>" into its account key
// and amount, treating anything malformed as a zero-amount credit to
// "unknown".
func parseCredit(payload []byte) (account []byte, amount uint64) {
	parts := strings.Split(string(payload), ":")
	if len(parts) != 3 || parts[0] != "credit" {
		return []byte("unknown"), 0
	}
	amt, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return []byte("unknown"), 0
	}
	return []byte(parts[1]), amt
}

func testEngine(t *testing.T, app Application) *Engine {
	t.Helper()
	backend := store.NewMemoryBackend()
	cfg := config.DefaultConfig()
	cfg.Engine.WorkerCount = 2
	e, err := New(cfg, app, backend, nil, nil)
	require.NoError(t, err)
	return e
}

func TestEngine_BeginDeliverEndCommitCycle(t *testing.T) {
	e := testEngine(t, ledgerApp{})
	ctx := context.Background()

	require.NoError(t, e.BeginBlock(ctx, 1, []byte("header-1")))

	code, result, err := e.DeliverTx(ctx, []byte("credit:alice:10"))
	require.NoError(t, err)
	assert.True(t, code.IsOK())
	assert.Equal(t, uint64(10), balance(result))

	_, err = e.EndBlock(ctx)
	require.NoError(t, err)

	commitResult, err := e.Commit(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, commitResult.AppHash)
}

func TestEngine_DeliverBatchRunsConcurrentDisjointTransfers(t *testing.T) {
	e := testEngine(t, ledgerApp{})
	ctx := context.Background()

	require.NoError(t, e.BeginBlock(ctx, 1, []byte("header-1")))

	results, err := e.DeliverBatch(ctx, [][]byte{
		[]byte("credit:alice:5"),
		[]byte("credit:bob:7"),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Code.IsOK())
	assert.True(t, results[1].Code.IsOK())
	assert.Equal(t, uint64(5), balance(results[0].Result))
	assert.Equal(t, uint64(7), balance(results[1].Result))
}

func TestEngine_CheckTxDoesNotAffectBlockState(t *testing.T) {
	e := testEngine(t, ledgerApp{})
	ctx := context.Background()

	_, _, err := e.CheckTx(ctx, []byte("credit:alice:100"))
	require.NoError(t, err)

	require.NoError(t, e.BeginBlock(ctx, 1, []byte("header-1")))
	code, result, err := e.DeliverTx(ctx, []byte("credit:alice:1"))
	require.NoError(t, err)
	assert.True(t, code.IsOK())
	// CheckTx ran against the mempool's own buffered state, not the
	// block's; the block started alice at zero, so only this one
	// credit of 1 should be reflected.
	assert.Equal(t, uint64(1), balance(result))
}

func TestEngine_DeliverTxBeforeBeginBlockErrors(t *testing.T) {
	e := testEngine(t, ledgerApp{})
	_, _, err := e.DeliverTx(context.Background(), []byte("credit:alice:1"))
	assert.Error(t, err)
}

func TestEngine_ProveAfterCommitReturnsVerifiableProof(t *testing.T) {
	e := testEngine(t, ledgerApp{})
	ctx := context.Background()

	require.NoError(t, e.BeginBlock(ctx, 1, []byte("header-1")))
	code, result, err := e.DeliverTx(ctx, []byte("credit:alice:10"))
	require.NoError(t, err)
	require.True(t, code.IsOK())

	_, err = e.EndBlock(ctx)
	require.NoError(t, err)
	_, err = e.Commit(ctx)
	require.NoError(t, err)

	p, err := e.Prove([]byte("alice"))
	require.NoError(t, err)
	require.NotNil(t, p)

	ok, err := proof.Verify(p, e.proofTree.RootHash(), []byte("alice"), result)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_ProveBeforeAnyCommitErrors(t *testing.T) {
	e := testEngine(t, ledgerApp{})
	_, err := e.Prove([]byte("alice"))
	assert.Error(t, err)
}

func TestEngine_RejectsInvalidConfig(t *testing.T) {
	backend := store.NewMemoryBackend()
	cfg := config.DefaultConfig()
	cfg.Engine.WorkerCount = 0
	_, err := New(cfg, ledgerApp{}, backend, nil, nil)
	assert.Error(t, err)
}
