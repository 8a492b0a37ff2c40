package paymaster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/utxostack/rgbpp-paymaster/internal/ckb"
	"github.com/utxostack/rgbpp-paymaster/internal/config"
	"github.com/utxostack/rgbpp-paymaster/internal/queue"
	"github.com/utxostack/rgbpp-paymaster/internal/signer"
	"github.com/utxostack/rgbpp-paymaster/internal/types"
)

const (
	// CellQueue is the durable pool of refillable fee cells.
	CellQueue = "paymaster-cells"

	refillLockKey = "paymaster-refill"
	refillLockTTL = time.Minute
	refillPage    = 100

	// Secp256k1Blake160CodeHash is the system lock the paymaster key
	// controls.
	Secp256k1Blake160CodeHash = "0x9bd7e06f3ecf4be0f2fcd2188b23f1b9fcc88e5d4b65a8637b17723bbda3cce8"
)

type ChainClient interface {
	GetCells(ctx context.Context, key *ckb.SearchKey, limit int, cursor string) ([]types.Cell, string, error)
}

type TxSigner interface {
	SignTransaction(ctx context.Context, role string, tx *types.Transaction) (*types.Transaction, error)
}

type Auditor interface {
	RecordSpentCell(txHash string, outIndex uint32, capacity uint64, token, spentTxHash string) error
}

type Config struct {
	LockArgs        string
	CellCapacity    uint64
	PresetCount     int
	RefillThreshold float64
	LeaseTTL        time.Duration
}

func ConfigFromApp() Config {
	return Config{
		LockArgs:        config.AppConfig.PaymasterLockArgs,
		CellCapacity:    config.AppConfig.PaymasterCellCapacity,
		PresetCount:     config.AppConfig.PaymasterPresetCount,
		RefillThreshold: config.AppConfig.PaymasterRefillRatio,
		LeaseTTL:        config.AppConfig.PaymasterLeaseTTL,
	}
}

// Paymaster owns the fee-cell pool. A cell is leased to exactly one token at
// a time; the store's atomic claim enforces this across process instances.
type Paymaster struct {
	store  queue.Store
	chain  ChainClient
	signer TxSigner
	audit  Auditor
	cfg    Config
}

func NewPaymaster(store queue.Store, chain ChainClient, txSigner TxSigner, audit Auditor, cfg Config) *Paymaster {
	return &Paymaster{
		store:  store,
		chain:  chain,
		signer: txSigner,
		audit:  audit,
		cfg:    cfg,
	}
}

// LockScript is the paymaster's lock; fee cells carry it on-chain.
func (p *Paymaster) LockScript() *types.Script {
	return &types.Script{
		CodeHash: Secp256k1Blake160CodeHash,
		HashType: "type",
		Args:     p.cfg.LockArgs,
	}
}

func (p *Paymaster) searchKey() *ckb.SearchKey {
	capacity := types.Uint64(p.cfg.CellCapacity)
	return &ckb.SearchKey{
		Script:     p.LockScript(),
		ScriptType: "lock",
		Filter: &ckb.SearchFilter{
			// exact capacity, no type script: fee cells only
			OutputCapacityRange: []types.Uint64{capacity, capacity + 1},
			ScriptLenRange:      []types.Uint64{0, 1},
		},
	}
}

// LeaseCell returns the fee cell exclusively leased to token, claiming one
// from the pool if the token holds no lease yet. Repeated calls with the same
// token return the same cell. Triggers a refill when the backlog runs below
// the threshold, and fails with types.ErrResourceExhausted when the pool is
// still empty afterwards.
func (p *Paymaster) LeaseCell(ctx context.Context, token string) (*types.Cell, error) {
	if existing, err := p.store.FindActiveByConsumer(ctx, CellQueue, token); err != nil {
		return nil, fmt.Errorf("find lease for token %s: %v", token, err)
	} else if existing != nil {
		log.Debugf("Paymaster reuse lease for token %s, job %s", token, existing.ID)
		return decodeCell(existing)
	}

	counts, err := p.store.Counts(ctx, CellQueue)
	if err != nil {
		return nil, fmt.Errorf("pool counts: %v", err)
	}
	if counts.Pool() < int64(float64(p.cfg.PresetCount)*p.cfg.RefillThreshold) {
		if _, err := p.Refill(ctx); err != nil {
			log.Warnf("Paymaster refill before lease error: %v", err)
		}
	}

	job, err := p.store.Claim(ctx, CellQueue, token, p.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("claim fee cell for token %s: %v", token, err)
	}
	if job == nil {
		// one more refill attempt before giving up
		if _, err := p.Refill(ctx); err != nil {
			log.Warnf("Paymaster refill on empty pool error: %v", err)
		}
		job, err = p.store.Claim(ctx, CellQueue, token, p.cfg.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("claim fee cell for token %s: %v", token, err)
		}
	}
	if job == nil {
		log.Errorf("Paymaster pool exhausted, no fee cell for token %s, preset %d", token, p.cfg.PresetCount)
		return nil, types.ErrResourceExhausted
	}

	log.Infof("Paymaster leased cell %s to token %s", job.ID, token)
	return decodeCell(job)
}

// Refill scans the chain for unseen fee cells and enqueues them until the
// backlog reaches the preset count. Idempotent: the outpoint is the job id,
// so re-scanning an enqueued cell is a no-op. Concurrent refills are guarded
// by a TTL lock in the store; a crashed holder frees it by expiry.
func (p *Paymaster) Refill(ctx context.Context) (int, error) {
	ok, err := p.store.AcquireLock(ctx, refillLockKey, refillLockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire refill lock: %v", err)
	}
	if !ok {
		log.Debug("Paymaster refill already in progress")
		return 0, nil
	}
	defer func() {
		if err := p.store.ReleaseLock(ctx, refillLockKey); err != nil {
			log.Warnf("Paymaster release refill lock error: %v", err)
		}
	}()

	added := 0
	cursor := ""
	for {
		counts, err := p.store.Counts(ctx, CellQueue)
		if err != nil {
			return added, fmt.Errorf("pool counts: %v", err)
		}
		if counts.Pool() >= int64(p.cfg.PresetCount) {
			break
		}

		cells, next, err := p.chain.GetCells(ctx, p.searchKey(), refillPage, cursor)
		if err != nil {
			return added, fmt.Errorf("collect fee cells: %v", err)
		}
		for _, cell := range cells {
			if uint64(cell.Output.Capacity) != p.cfg.CellCapacity {
				continue
			}
			payload, err := json.Marshal(cell)
			if err != nil {
				return added, err
			}
			fresh, err := p.store.Enqueue(ctx, CellQueue, cell.OutPoint.String(), payload, 0)
			if err != nil {
				return added, fmt.Errorf("enqueue fee cell %s: %v", cell.OutPoint.String(), err)
			}
			if fresh {
				added++
			}
		}
		if len(cells) == 0 || next == "" {
			// chain exhausted upstream
			break
		}
		cursor = next
	}

	counts, err := p.store.Counts(ctx, CellQueue)
	if err != nil {
		return added, err
	}
	if counts.Pool() < int64(p.cfg.PresetCount) {
		log.Warnf("Paymaster refill short: pool %d below preset %d, added %d; fund the paymaster address",
			counts.Pool(), p.cfg.PresetCount, added)
	} else {
		log.Infof("Paymaster refill done, added %d, pool %d", added, counts.Pool())
	}
	return added, nil
}

// AppendCellAndSign leases a fee cell for token, appends it as an input of
// rawTx and signs the result with the paymaster key. rawTx is not modified.
func (p *Paymaster) AppendCellAndSign(ctx context.Context, token string, rawTx *types.Transaction, sumInputsCapacity uint64) (*types.Transaction, error) {
	cell, err := p.LeaseCell(ctx, token)
	if err != nil {
		return nil, err
	}

	tx := cloneTransaction(rawTx)
	tx.Inputs = append(tx.Inputs, types.CellInput{
		Since:          0,
		PreviousOutput: cell.OutPoint,
	})
	tx.Witnesses = append(tx.Witnesses, "0x")

	if sumInputsCapacity+uint64(cell.Output.Capacity) < tx.OutputsCapacity() {
		return nil, &types.ValidationError{
			Field:  "rawTx",
			Reason: fmt.Sprintf("outputs capacity %d exceeds inputs %d plus fee cell %d",
				tx.OutputsCapacity(), sumInputsCapacity, uint64(cell.Output.Capacity)),
		}
	}

	signed, err := p.signer.SignTransaction(ctx, signer.RolePaymaster, tx)
	if err != nil {
		return nil, fmt.Errorf("sign settlement tx for token %s: %v", token, err)
	}
	return signed, nil
}

// MarkSpent permanently retires every leased fee cell consumed by signedTx.
// This is the only path that removes a cell from pool bookkeeping; a lease
// that never reaches here expires back to waiting via the store's visibility
// timeout. Idempotent: on-chain atomicity is the source of truth, this is
// after-the-fact bookkeeping.
func (p *Paymaster) MarkSpent(ctx context.Context, token string, signedTx *types.Transaction, ledgerTxHash string) error {
	for _, input := range signedTx.Inputs {
		id := input.PreviousOutput.String()
		job, err := p.store.Get(ctx, CellQueue, id)
		if err != nil {
			return fmt.Errorf("lookup leased cell %s: %v", id, err)
		}
		if job == nil || job.State != queue.StateActive {
			continue
		}
		if job.LeasedBy != token {
			log.Warnf("Paymaster markSpent: cell %s leased by %s, spent under token %s", id, job.LeasedBy, token)
		}
		if err := p.store.Complete(ctx, CellQueue, id); err != nil {
			return fmt.Errorf("retire cell %s: %v", id, err)
		}
		log.Infof("Paymaster retired cell %s for token %s", id, token)

		if p.audit != nil {
			var cell types.Cell
			if err := json.Unmarshal(job.Payload, &cell); err == nil {
				if err := p.audit.RecordSpentCell(cell.OutPoint.TxHash, uint32(cell.OutPoint.Index),
					uint64(cell.Output.Capacity), token, ledgerTxHash); err != nil {
					log.Warnf("Paymaster audit spent cell %s error: %v", id, err)
				}
			}
		}
	}
	return nil
}

// Info reports pool gauges for the HTTP boundary.
type Info struct {
	LockArgs     string       `json:"lock_args"`
	CellCapacity uint64       `json:"cell_capacity"`
	PresetCount  int          `json:"preset_count"`
	Counts       queue.Counts `json:"counts"`
}

func (p *Paymaster) Info(ctx context.Context) (*Info, error) {
	counts, err := p.store.Counts(ctx, CellQueue)
	if err != nil {
		return nil, err
	}
	return &Info{
		LockArgs:     p.cfg.LockArgs,
		CellCapacity: p.cfg.CellCapacity,
		PresetCount:  p.cfg.PresetCount,
		Counts:       counts,
	}, nil
}

func decodeCell(job *queue.Job) (*types.Cell, error) {
	var cell types.Cell
	if err := json.Unmarshal(job.Payload, &cell); err != nil {
		return nil, fmt.Errorf("decode fee cell job %s: %v", job.ID, err)
	}
	return &cell, nil
}

func cloneTransaction(tx *types.Transaction) *types.Transaction {
	cp := *tx
	cp.CellDeps = append([]types.CellDep(nil), tx.CellDeps...)
	cp.HeaderDeps = append([]string(nil), tx.HeaderDeps...)
	cp.Inputs = append([]types.CellInput(nil), tx.Inputs...)
	cp.Outputs = append([]types.CellOutput(nil), tx.Outputs...)
	cp.OutputsData = append([]string(nil), tx.OutputsData...)
	cp.Witnesses = append([]string(nil), tx.Witnesses...)
	return &cp
}
