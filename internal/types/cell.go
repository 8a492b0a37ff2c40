package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Uint64 marshals as a 0x-prefixed hex quantity, the encoding the ledger
// JSON-RPC uses for all numeric fields.
type Uint64 uint64

func (u Uint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(u)))
}

func (u *Uint64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("invalid hex quantity %q: %v", s, err)
	}
	*u = Uint64(v)
	return nil
}

// Script is a ledger lock or type script.
type Script struct {
	CodeHash string `json:"code_hash"`
	HashType string `json:"hash_type"`
	Args     string `json:"args"`
}

// Equal compares code hash, hash type and args, case-insensitive on hex.
func (s *Script) Equal(other *Script) bool {
	if s == nil || other == nil {
		return s == other
	}
	return strings.EqualFold(s.CodeHash, other.CodeHash) &&
		s.HashType == other.HashType &&
		strings.EqualFold(s.Args, other.Args)
}

// OutPoint identifies a live cell by creating transaction and output index.
type OutPoint struct {
	TxHash string `json:"tx_hash"`
	Index  Uint64 `json:"index"`
}

// String renders the "{txHash}:{index}" form used as the fee-cell dedup key.
func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxHash, uint64(o.Index))
}

type CellOutput struct {
	Capacity Uint64  `json:"capacity"`
	Lock     *Script `json:"lock"`
	Type     *Script `json:"type,omitempty"`
}

// Cell is a live cell as returned by the indexer.
type Cell struct {
	Output      CellOutput `json:"output"`
	OutPoint    OutPoint   `json:"out_point"`
	Data        string     `json:"output_data"`
	BlockNumber Uint64     `json:"block_number"`
}

type CellInput struct {
	Since          Uint64   `json:"since"`
	PreviousOutput OutPoint `json:"previous_output"`
}

type CellDep struct {
	OutPoint OutPoint `json:"out_point"`
	DepType  string   `json:"dep_type"`
}

// Transaction is a raw ledger transaction in JSON-RPC form. Witnesses hold
// hex strings; an empty placeholder is "0x".
type Transaction struct {
	Version     Uint64       `json:"version"`
	CellDeps    []CellDep    `json:"cell_deps"`
	HeaderDeps  []string     `json:"header_deps"`
	Inputs      []CellInput  `json:"inputs"`
	Outputs     []CellOutput `json:"outputs"`
	OutputsData []string     `json:"outputs_data"`
	Witnesses   []string     `json:"witnesses"`
}

// OutputsCapacity sums the declared capacity of all outputs.
func (t *Transaction) OutputsCapacity() uint64 {
	var total uint64
	for _, out := range t.Outputs {
		total += uint64(out.Capacity)
	}
	return total
}

// HexToBytes decodes a 0x-prefixed hex string.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// BytesToHex encodes bytes with the 0x prefix the ledger RPC expects.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
