package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/utxostack/rgbpp-paymaster/internal/btc"
	"github.com/utxostack/rgbpp-paymaster/internal/config"
	"github.com/utxostack/rgbpp-paymaster/internal/queue"
	"github.com/utxostack/rgbpp-paymaster/internal/types"
)

// JobQueue is the durable settlement transaction queue.
const JobQueue = "settlement"

const (
	markSpentAttempts  = 5
	markSpentRetryWait = 200 * time.Millisecond
)

// Payload is one user-submitted settlement keyed by its Bitcoin txid.
type Payload struct {
	Token string             `json:"token"`
	RawTx *types.Transaction `json:"rawTx"`
}

type BitcoinClient interface {
	GetTx(ctx context.Context, txid string) (*btc.Tx, error)
}

type LedgerClient interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) (string, error)
	GetLiveCellCapacity(ctx context.Context, outPoint *types.OutPoint) (uint64, error)
}

type Allocator interface {
	AppendCellAndSign(ctx context.Context, token string, rawTx *types.Transaction, sumInputsCapacity uint64) (*types.Transaction, error)
	MarkSpent(ctx context.Context, token string, signedTx *types.Transaction, ledgerTxHash string) error
}

type Auditor interface {
	RecordSettlement(token, txHash, status string, attempts int, reason string) error
}

// Service accepts settlement transactions and finalizes them asynchronously
// once their Bitcoin counterpart is visible to the data provider.
type Service struct {
	store     queue.Store
	bitcoin   BitcoinClient
	ledger    LedgerClient
	allocator Allocator
	audit     Auditor

	delay  time.Duration
	worker *queue.Worker
}

func NewService(store queue.Store, bitcoin BitcoinClient, ledger LedgerClient, allocator Allocator, audit Auditor) *Service {
	s := &Service{
		store:     store,
		bitcoin:   bitcoin,
		ledger:    ledger,
		allocator: allocator,
		audit:     audit,
		delay:     config.AppConfig.SettlementDelay,
	}
	s.worker = queue.NewWorker(store, queue.WorkerConfig{
		Queue:        JobQueue,
		Concurrency:  config.AppConfig.SettlementConcurrency,
		PollInterval: time.Second,
		Visibility:   config.AppConfig.PaymasterLeaseTTL,
		MaxAttempts:  config.AppConfig.SettlementMaxAttempts,
		Backoff:      config.AppConfig.SettlementBackoff,
		BackoffDelay: config.AppConfig.SettlementBackoffWait,
	}, s.process)
	s.worker.OnFailed = s.recordFailed
	return s
}

// Enqueue accepts a settlement for asynchronous processing, delayed so the
// referenced Bitcoin transaction has time to become visible. The token is the
// idempotency key: resubmitting it is a no-op.
func (s *Service) Enqueue(ctx context.Context, token string, rawTx *types.Transaction) error {
	token, err := types.CanonicalBtcTxid(token)
	if err != nil {
		return err
	}
	if rawTx == nil || len(rawTx.Inputs) == 0 {
		return &types.ValidationError{Field: "rawTx", Reason: "missing transaction or inputs"}
	}

	payload, err := json.Marshal(&Payload{Token: token, RawTx: rawTx})
	if err != nil {
		return err
	}
	added, err := s.store.Enqueue(ctx, JobQueue, token, payload, s.delay)
	if err != nil {
		return fmt.Errorf("enqueue settlement %s: %v", token, err)
	}
	if !added {
		log.Infof("Settlement token %s already enqueued, ignore", token)
		return nil
	}
	log.Infof("Settlement token %s accepted, visible in %v", token, s.delay)
	return nil
}

// Start consumes the queue until ctx is cancelled, draining in-flight jobs
// before returning.
func (s *Service) Start(ctx context.Context) {
	if err := s.worker.Run(ctx); err != nil {
		log.Errorf("Settlement worker stopped with error: %v", err)
	}
}

// Pause stops intake; in-flight jobs finish. Used together with Close to
// bound run duration under an external execution window.
func (s *Service) Pause() {
	s.worker.Pause()
}

// Close drains in-flight jobs, bounded by ctx.
func (s *Service) Close(ctx context.Context) error {
	return s.worker.Close(ctx)
}

// process finalizes one settlement job. Any error re-delays the job per the
// backoff policy up to the attempt ceiling.
func (s *Service) process(ctx context.Context, job *queue.Job) error {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode settlement job %s: %v", job.ID, err)
	}
	token := payload.Token

	// the referenced bitcoin tx must still be visible before any fee cell
	// is committed to it
	btcTx, err := s.bitcoin.GetTx(ctx, token)
	if err != nil {
		return fmt.Errorf("bitcoin tx %s not visible: %w", token, err)
	}
	log.Debugf("Settlement %s bitcoin tx visible, confirmed=%v", token, btcTx.Status.Confirmed)

	sumInputs, err := s.sumInputsCapacity(ctx, payload.RawTx)
	if err != nil {
		return err
	}

	signed, err := s.allocator.AppendCellAndSign(ctx, token, payload.RawTx, sumInputs)
	if err != nil {
		return err
	}

	txHash, err := s.ledger.SendTransaction(ctx, signed)
	if err != nil {
		return fmt.Errorf("broadcast settlement %s: %w", token, err)
	}
	log.Infof("Settlement %s broadcast, ledger tx %s, attempt %d", token, txHash, job.Attempt)

	if err := s.retireCells(ctx, token, signed, txHash); err != nil {
		return err
	}
	if s.audit != nil {
		if err := s.audit.RecordSettlement(token, txHash, "completed", job.Attempt, ""); err != nil {
			log.Warnf("Settlement %s audit error: %v", token, err)
		}
	}
	return nil
}

// retireCells retries MarkSpent in place. The broadcast already happened, so
// completing the job with the fee cell still leased would let the lease expire
// back to waiting and hand a spent cell to the next token. MarkSpent is
// idempotent; a final failure fails the whole attempt so the cell is never
// silently returned to the pool.
func (s *Service) retireCells(ctx context.Context, token string, signedTx *types.Transaction, txHash string) error {
	var err error
	for i := 1; i <= markSpentAttempts; i++ {
		if err = s.allocator.MarkSpent(ctx, token, signedTx, txHash); err == nil {
			return nil
		}
		log.Warnf("Settlement %s retire fee cell attempt %d error: %v", token, i, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(markSpentRetryWait):
		}
	}
	return fmt.Errorf("settlement %s broadcast as %s but fee cell retirement failed: %w", token, txHash, err)
}

func (s *Service) sumInputsCapacity(ctx context.Context, tx *types.Transaction) (uint64, error) {
	var total uint64
	for i := range tx.Inputs {
		capacity, err := s.ledger.GetLiveCellCapacity(ctx, &tx.Inputs[i].PreviousOutput)
		if err != nil {
			return 0, fmt.Errorf("input %s: %w", tx.Inputs[i].PreviousOutput.String(), err)
		}
		total += capacity
	}
	return total, nil
}

func (s *Service) recordFailed(job *queue.Job, err error) {
	if s.audit == nil {
		return
	}
	if aerr := s.audit.RecordSettlement(job.ID, "", "failed", job.Attempt, err.Error()); aerr != nil {
		log.Warnf("Settlement %s audit error: %v", job.ID, aerr)
	}
}
