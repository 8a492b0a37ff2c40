package unlocker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/utxostack/rgbpp-paymaster/internal/btc"
	"github.com/utxostack/rgbpp-paymaster/internal/ckb"
	"github.com/utxostack/rgbpp-paymaster/internal/config"
	"github.com/utxostack/rgbpp-paymaster/internal/proof"
	"github.com/utxostack/rgbpp-paymaster/internal/signer"
	"github.com/utxostack/rgbpp-paymaster/internal/types"
)

// Policies for cells whose required depth is below the reorg-safety depth.
const (
	PolicyWarn  = "warn"
	PolicyBlock = "block"
)

const (
	scanPage = 100
	// flat network fee reserved when filling unlock tx capacity
	unlockFee = 100000
	// runTimeout bounds one scheduled tick
	runTimeout = 4 * time.Minute
)

type BitcoinClient interface {
	GetChainInfo(ctx context.Context) (*btc.ChainInfo, error)
	GetTx(ctx context.Context, txid string) (*btc.Tx, error)
}

type LedgerClient interface {
	GetCells(ctx context.Context, key *ckb.SearchKey, limit int, cursor string) ([]types.Cell, string, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) (string, error)
}

type ProofClient interface {
	GetTxProof(ctx context.Context, btcTxid string, confirmations uint32) (*proof.TxProof, error)
}

type TxSigner interface {
	SignTransaction(ctx context.Context, role string, tx *types.Transaction) (*types.Transaction, error)
}

type Config struct {
	BatchSize        int
	CronSpec         string
	SafeDepth        uint32
	BelowSafePolicy  string
	TimeLockCodeHash string
	RgbppCodeHash    string
	UDTCodeHash      string
	SporeCodeHash    string
	PaymasterLock    *types.Script
	// FeeCellCapacity is the fixed fee pool cell size; collectFeeInput
	// excludes pool cells by requiring strictly more than this.
	FeeCellCapacity uint64
}

func ConfigFromApp(paymasterLock *types.Script) Config {
	return Config{
		BatchSize:        config.AppConfig.UnlockBatchSize,
		CronSpec:         config.AppConfig.UnlockCron,
		SafeDepth:        config.AppConfig.UnlockSafeDepth,
		BelowSafePolicy:  config.AppConfig.UnlockBelowSafePolicy,
		TimeLockCodeHash: config.AppConfig.TimeLockCodeHash,
		RgbppCodeHash:    config.AppConfig.RgbppLockCodeHash,
		UDTCodeHash:      config.AppConfig.UDTCodeHash,
		SporeCodeHash:    config.AppConfig.SporeCodeHash,
		PaymasterLock:    paymasterLock,
		FeeCellCapacity:  config.AppConfig.PaymasterCellCapacity,
	}
}

// EligibleCell is a time lock cell whose Bitcoin condition is satisfied.
type EligibleCell struct {
	Cell types.Cell
	Args *types.TimeLockArgs
}

// Unlocker releases time-locked cells once their referenced Bitcoin
// transaction is deep enough. It keeps no per-cell state: eligibility is
// recomputed from chain truth on every run, so interrupted runs are simply
// retried by the next tick.
type Unlocker struct {
	bitcoin BitcoinClient
	ledger  LedgerClient
	proofs  ProofClient
	signer  TxSigner
	cfg     Config
}

func NewUnlocker(bitcoin BitcoinClient, ledger LedgerClient, proofs ProofClient, txSigner TxSigner, cfg Config) *Unlocker {
	return &Unlocker{
		bitcoin: bitcoin,
		ledger:  ledger,
		proofs:  proofs,
		signer:  txSigner,
		cfg:     cfg,
	}
}

// Start schedules Run on the configured cron expression until ctx is
// cancelled.
func (u *Unlocker) Start(ctx context.Context) {
	c := cron.New()
	_, err := c.AddFunc(u.cfg.CronSpec, func() {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		if _, err := u.Run(runCtx); err != nil {
			log.Errorf("Unlocker run error: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Unlocker invalid cron spec %q: %v", u.cfg.CronSpec, err)
	}
	c.Start()
	log.Infof("Unlocker started, cron %q, batch size %d", u.cfg.CronSpec, u.cfg.BatchSize)

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("Unlocker stopped")
}

// Run executes one scan-build-submit cycle and returns the broadcast tx
// hashes. With no eligible cells it returns empty and touches nothing.
func (u *Unlocker) Run(ctx context.Context) ([]string, error) {
	cells, err := u.ListEligibleCells(ctx, u.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		log.Debug("Unlocker no eligible cells")
		return nil, nil
	}
	log.Infof("Unlocker found %d eligible cells", len(cells))

	txs, err := u.BuildUnlockTransactions(ctx, cells)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(txs))
	for _, tx := range txs {
		hash, err := u.SubmitUnlock(ctx, tx)
		if err != nil {
			log.Errorf("Unlocker submit error: %v", err)
			continue
		}
		log.Infof("Unlocker broadcast unlock tx %s, inputs %d", hash, len(tx.Inputs))
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (u *Unlocker) timeLockSearchKey() *ckb.SearchKey {
	return &ckb.SearchKey{
		Script: &types.Script{
			CodeHash: u.cfg.TimeLockCodeHash,
			HashType: "type",
			Args:     "0x",
		},
		ScriptType: "lock",
	}
}

// ListEligibleCells scans time lock cells and keeps those whose originating
// Bitcoin transaction reached its required confirmation depth, up to
// batchSize.
func (u *Unlocker) ListEligibleCells(ctx context.Context, batchSize int) ([]EligibleCell, error) {
	info, err := u.bitcoin.GetChainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("bitcoin chain info: %w", err)
	}

	var eligible []EligibleCell
	cursor := ""
	for len(eligible) < batchSize {
		cells, next, err := u.ledger.GetCells(ctx, u.timeLockSearchKey(), scanPage, cursor)
		if err != nil {
			return nil, fmt.Errorf("scan time lock cells: %w", err)
		}
		for i := range cells {
			if len(eligible) >= batchSize {
				break
			}
			cell := cells[i]
			args, err := types.DecodeTimeLockArgs(cell.Output.Lock.Args)
			if err != nil {
				log.Warnf("Unlocker skip cell %s: %v", cell.OutPoint.String(), err)
				continue
			}
			ok, err := u.eligible(ctx, &cell, args, info.Blocks)
			if err != nil {
				log.Warnf("Unlocker check cell %s error: %v", cell.OutPoint.String(), err)
				continue
			}
			if ok {
				eligible = append(eligible, EligibleCell{Cell: cell, Args: args})
			}
		}
		if len(cells) == 0 || next == "" {
			break
		}
		cursor = next
	}
	return eligible, nil
}

func (u *Unlocker) eligible(ctx context.Context, cell *types.Cell, args *types.TimeLockArgs, tip uint64) (bool, error) {
	if args.After < u.cfg.SafeDepth {
		if u.cfg.BelowSafePolicy == PolicyBlock {
			log.Warnf("Unlocker defer cell %s: required depth %d below safe depth %d",
				cell.OutPoint.String(), args.After, u.cfg.SafeDepth)
			return false, nil
		}
		log.Warnf("Unlocker cell %s required depth %d below safe depth %d, proceeding",
			cell.OutPoint.String(), args.After, u.cfg.SafeDepth)
	}

	tx, err := u.bitcoin.GetTx(ctx, args.BtcTxid)
	if err != nil {
		if errors.Is(err, types.ErrTxNotFound) {
			// locked against a tx the provider cannot see yet
			return false, nil
		}
		return false, err
	}
	if !tx.Status.Confirmed {
		return false, nil
	}
	if tx.Status.BlockHeight > tip {
		// stale tip from the earlier info read; the next tick re-reads
		return false, nil
	}
	depth := tip - tx.Status.BlockHeight
	return depth >= uint64(args.After), nil
}

// BuildUnlockTransactions partitions eligible cells by asset kind and builds
// one raw unlock transaction per non-empty partition. Each unlocked output is
// re-locked under the RGB++ owner lock of its originating Bitcoin utxo, with
// the SPV proof attached as a witness.
func (u *Unlocker) BuildUnlockTransactions(ctx context.Context, cells []EligibleCell) ([]*types.Transaction, error) {
	var fungible, nft []EligibleCell
	for _, c := range cells {
		typeScript := c.Cell.Output.Type
		switch {
		case typeScript == nil:
			log.Warnf("Unlocker skip bare cell %s, no asset type", c.Cell.OutPoint.String())
		case typeScript.CodeHash == u.cfg.UDTCodeHash:
			fungible = append(fungible, c)
		case typeScript.CodeHash == u.cfg.SporeCodeHash:
			nft = append(nft, c)
		default:
			log.Warnf("Unlocker skip cell %s, unrecognized asset type %s",
				c.Cell.OutPoint.String(), typeScript.CodeHash)
		}
	}

	var txs []*types.Transaction
	for _, partition := range [][]EligibleCell{fungible, nft} {
		if len(partition) == 0 {
			continue
		}
		tx, err := u.buildPartitionTx(ctx, partition)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (u *Unlocker) buildPartitionTx(ctx context.Context, cells []EligibleCell) (*types.Transaction, error) {
	tx := &types.Transaction{
		Version:    0,
		HeaderDeps: []string{},
		CellDeps:   []types.CellDep{},
	}
	for _, c := range cells {
		txProof, err := u.proofs.GetTxProof(ctx, c.Args.BtcTxid, c.Args.After)
		if err != nil {
			return nil, fmt.Errorf("proof for btc tx %s: %w", c.Args.BtcTxid, err)
		}

		ownerArgs, err := types.EncodeRgbppLockArgs(c.Args.BtcTxid, 0)
		if err != nil {
			return nil, err
		}
		tx.Inputs = append(tx.Inputs, types.CellInput{
			Since:          0,
			PreviousOutput: c.Cell.OutPoint,
		})
		tx.Outputs = append(tx.Outputs, types.CellOutput{
			Capacity: c.Cell.Output.Capacity,
			Lock: &types.Script{
				CodeHash: u.cfg.RgbppCodeHash,
				HashType: "type",
				Args:     ownerArgs,
			},
			Type: c.Cell.Output.Type,
		})
		tx.OutputsData = append(tx.OutputsData, c.Cell.Data)
		tx.Witnesses = append(tx.Witnesses, types.BytesToHex(txProof.Proof))
	}
	return tx, nil
}

// SubmitUnlock fills the transaction fee from the paymaster's own funds,
// signs with the operator key and broadcasts.
func (u *Unlocker) SubmitUnlock(ctx context.Context, rawTx *types.Transaction) (string, error) {
	feeCell, err := u.collectFeeInput(ctx)
	if err != nil {
		return "", err
	}

	tx := *rawTx
	tx.Inputs = append(append([]types.CellInput(nil), rawTx.Inputs...), types.CellInput{
		Since:          0,
		PreviousOutput: feeCell.OutPoint,
	})
	tx.Outputs = append(append([]types.CellOutput(nil), rawTx.Outputs...), types.CellOutput{
		Capacity: types.Uint64(uint64(feeCell.Output.Capacity) - unlockFee),
		Lock:     u.cfg.PaymasterLock,
	})
	tx.OutputsData = append(append([]string(nil), rawTx.OutputsData...), "0x")
	tx.Witnesses = append(append([]string(nil), rawTx.Witnesses...), "0x")

	signed, err := u.signer.SignTransaction(ctx, signer.RoleOperator, &tx)
	if err != nil {
		return "", fmt.Errorf("sign unlock tx: %w", err)
	}
	return u.ledger.SendTransaction(ctx, signed)
}

// collectFeeInput picks a paymaster-funded cell large enough to pay the
// unlock fee. Fee pool cells are excluded by the capacity lower bound.
func (u *Unlocker) collectFeeInput(ctx context.Context) (*types.Cell, error) {
	minCapacity := types.Uint64(u.cfg.FeeCellCapacity + 1)
	key := &ckb.SearchKey{
		Script:     u.cfg.PaymasterLock,
		ScriptType: "lock",
		Filter: &ckb.SearchFilter{
			OutputCapacityRange: []types.Uint64{minCapacity, types.Uint64(1) << 62},
			ScriptLenRange:      []types.Uint64{0, 1},
		},
	}
	cells, _, err := u.ledger.GetCells(ctx, key, 1, "")
	if err != nil {
		return nil, fmt.Errorf("collect unlock fee input: %w", err)
	}
	if len(cells) == 0 {
		return nil, fmt.Errorf("no paymaster cell available to fund unlock fee")
	}
	return &cells[0], nil
}
