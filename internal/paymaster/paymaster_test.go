package paymaster_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/utxostack/rgbpp-paymaster/internal/ckb"
	"github.com/utxostack/rgbpp-paymaster/internal/paymaster"
	"github.com/utxostack/rgbpp-paymaster/internal/queue"
	"github.com/utxostack/rgbpp-paymaster/internal/types"
)

const testCellCapacity = uint64(31600000000)

type mockChain struct {
	mu    sync.Mutex
	cells []types.Cell
	calls int
}

func (m *mockChain) GetCells(_ context.Context, _ *ckb.SearchKey, _ int, _ string) ([]types.Cell, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.cells, "", nil
}

type mockSigner struct {
	mu    sync.Mutex
	calls int
}

func (m *mockSigner) SignTransaction(_ context.Context, _ string, tx *types.Transaction) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return tx, nil
}

func feeCell(n int) types.Cell {
	return types.Cell{
		Output: types.CellOutput{
			Capacity: types.Uint64(testCellCapacity),
			Lock:     &types.Script{CodeHash: paymaster.Secp256k1Blake160CodeHash, HashType: "type", Args: "0xab"},
		},
		OutPoint:    types.OutPoint{TxHash: fmt.Sprintf("0x%064x", n), Index: 0},
		Data:        "0x",
		BlockNumber: 100,
	}
}

func newTestPaymaster(chain *mockChain, preset int) (*paymaster.Paymaster, *queue.MemoryStore) {
	store := queue.NewMemoryStore()
	pm := paymaster.NewPaymaster(store, chain, &mockSigner{}, nil, paymaster.Config{
		LockArgs:        "0xab",
		CellCapacity:    testCellCapacity,
		PresetCount:     preset,
		RefillThreshold: 0.3,
		LeaseTTL:        time.Minute,
	})
	return pm, store
}

func TestRefillIdempotent(t *testing.T) {
	chain := &mockChain{cells: []types.Cell{feeCell(1), feeCell(2), feeCell(3)}}
	pm, store := newTestPaymaster(chain, 10)
	ctx := context.Background()

	added, err := pm.Refill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	// nothing changed on chain, re-scan adds nothing
	added, err = pm.Refill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	counts, err := store.Counts(ctx, paymaster.CellQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Pool())
}

func TestRefillSkipsWrongCapacity(t *testing.T) {
	odd := feeCell(9)
	odd.Output.Capacity = types.Uint64(testCellCapacity + 7)
	chain := &mockChain{cells: []types.Cell{feeCell(1), odd}}
	pm, store := newTestPaymaster(chain, 10)
	ctx := context.Background()

	added, err := pm.Refill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	counts, err := store.Counts(ctx, paymaster.CellQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pool())
}

func TestNoDoubleLease(t *testing.T) {
	const cells = 20
	var chainCells []types.Cell
	for i := 0; i < cells; i++ {
		chainCells = append(chainCells, feeCell(i))
	}
	chain := &mockChain{cells: chainCells}
	pm, _ := newTestPaymaster(chain, cells)
	ctx := context.Background()

	added, err := pm.Refill(ctx)
	require.NoError(t, err)
	require.Equal(t, cells, added)

	var mu sync.Mutex
	leased := make(map[string]string)
	exhausted := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			token := fmt.Sprintf("token-%d", n)
			cell, err := pm.LeaseCell(ctx, token)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				require.ErrorIs(t, err, types.ErrResourceExhausted)
				exhausted++
				return
			}
			outpoint := cell.OutPoint.String()
			owner, dup := leased[outpoint]
			assert.False(t, dup, "cell %s leased to both %s and %s", outpoint, owner, token)
			leased[outpoint] = token
		}(i)
	}
	wg.Wait()

	assert.Len(t, leased, cells)
	assert.Equal(t, 50-cells, exhausted)
}

func TestLeaseTokenIdempotent(t *testing.T) {
	chain := &mockChain{cells: []types.Cell{feeCell(1), feeCell(2)}}
	pm, store := newTestPaymaster(chain, 2)
	ctx := context.Background()

	first, err := pm.LeaseCell(ctx, "token-a")
	require.NoError(t, err)
	second, err := pm.LeaseCell(ctx, "token-a")
	require.NoError(t, err)
	assert.Equal(t, first.OutPoint, second.OutPoint)

	counts, err := store.Counts(ctx, paymaster.CellQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Active)
}

func TestMarkSpentRetiresCell(t *testing.T) {
	chain := &mockChain{cells: []types.Cell{feeCell(1)}}
	pm, store := newTestPaymaster(chain, 1)
	ctx := context.Background()

	cell, err := pm.LeaseCell(ctx, "token-a")
	require.NoError(t, err)

	signedTx := &types.Transaction{
		Inputs: []types.CellInput{{PreviousOutput: cell.OutPoint}},
	}
	require.NoError(t, pm.MarkSpent(ctx, "token-a", signedTx, "0xledgerhash"))

	job, err := store.Get(ctx, paymaster.CellQueue, cell.OutPoint.String())
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, job.State)

	// the retired outpoint is never handed out again
	_, err = pm.LeaseCell(ctx, "token-b")
	require.ErrorIs(t, err, types.ErrResourceExhausted)

	// idempotent
	require.NoError(t, pm.MarkSpent(ctx, "token-a", signedTx, "0xledgerhash"))
}

func TestAppendCellAndSign(t *testing.T) {
	chain := &mockChain{cells: []types.Cell{feeCell(1)}}
	store := queue.NewMemoryStore()
	signer := &mockSigner{}
	pm := paymaster.NewPaymaster(store, chain, signer, nil, paymaster.Config{
		LockArgs:        "0xab",
		CellCapacity:    testCellCapacity,
		PresetCount:     1,
		RefillThreshold: 0.3,
		LeaseTTL:        time.Minute,
	})
	ctx := context.Background()

	rawTx := &types.Transaction{
		Inputs:    []types.CellInput{{PreviousOutput: types.OutPoint{TxHash: "0xuser", Index: 0}}},
		Outputs:   []types.CellOutput{{Capacity: 20000000000}},
		Witnesses: []string{"0xuserwitness"},
	}
	signed, err := pm.AppendCellAndSign(ctx, "token-a", rawTx, 20000000000)
	require.NoError(t, err)

	// fee cell appended, original untouched
	assert.Len(t, signed.Inputs, 2)
	assert.Len(t, signed.Witnesses, 2)
	assert.Len(t, rawTx.Inputs, 1)
	assert.Equal(t, 1, signer.calls)
}

func TestAppendCellAndSignCapacityCheck(t *testing.T) {
	chain := &mockChain{cells: []types.Cell{feeCell(1)}}
	pm, _ := newTestPaymaster(chain, 1)
	ctx := context.Background()

	rawTx := &types.Transaction{
		Inputs:  []types.CellInput{{PreviousOutput: types.OutPoint{TxHash: "0xuser", Index: 0}}},
		Outputs: []types.CellOutput{{Capacity: types.Uint64(testCellCapacity * 10)}},
	}
	_, err := pm.AppendCellAndSign(ctx, "token-a", rawTx, 100)
	require.Error(t, err)
	assert.True(t, types.IsValidationError(err))
}

func TestLeaseExpiryReturnsCellToPool(t *testing.T) {
	chain := &mockChain{cells: []types.Cell{feeCell(1)}}
	store := queue.NewMemoryStore()
	pm := paymaster.NewPaymaster(store, chain, &mockSigner{}, nil, paymaster.Config{
		LockArgs:        "0xab",
		CellCapacity:    testCellCapacity,
		PresetCount:     1,
		RefillThreshold: 0.3,
		LeaseTTL:        10 * time.Millisecond,
	})
	ctx := context.Background()

	first, err := pm.LeaseCell(ctx, "token-a")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	n, err := store.RequeueExpired(ctx, paymaster.CellQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// markSpent never ran, the cell is usable by another token
	second, err := pm.LeaseCell(ctx, "token-b")
	require.NoError(t, err)
	assert.Equal(t, first.OutPoint, second.OutPoint)
}
