package types

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TimeLockArgs is the decoded lock args of a BTC time lock cell:
// a 4-byte little-endian confirmation requirement followed by the 32-byte
// originating Bitcoin txid in internal (little-endian) byte order.
type TimeLockArgs struct {
	// After is the number of Bitcoin confirmations required before the
	// cell may be unlocked.
	After uint32
	// BtcTxid is the originating Bitcoin transaction id in the usual
	// display (big-endian) order.
	BtcTxid string
}

const timeLockArgsLen = 4 + chainhash.HashSize

// DecodeTimeLockArgs parses time lock cell args from their hex form.
func DecodeTimeLockArgs(args string) (*TimeLockArgs, error) {
	raw, err := HexToBytes(args)
	if err != nil {
		return nil, fmt.Errorf("decode time lock args: %v", err)
	}
	if len(raw) != timeLockArgsLen {
		return nil, fmt.Errorf("invalid time lock args length %d, want %d", len(raw), timeLockArgsLen)
	}
	after := binary.LittleEndian.Uint32(raw[:4])
	// chainhash stores txids in internal order, String() reverses to
	// the display order the Bitcoin data provider speaks.
	txid, err := chainhash.NewHash(raw[4:])
	if err != nil {
		return nil, fmt.Errorf("decode time lock btc txid: %v", err)
	}
	return &TimeLockArgs{After: after, BtcTxid: txid.String()}, nil
}

// EncodeTimeLockArgs is the inverse of DecodeTimeLockArgs.
func EncodeTimeLockArgs(btcTxid string, after uint32) (string, error) {
	txid, err := chainhash.NewHashFromStr(btcTxid)
	if err != nil {
		return "", fmt.Errorf("encode time lock btc txid: %v", err)
	}
	raw := make([]byte, timeLockArgsLen)
	binary.LittleEndian.PutUint32(raw[:4], after)
	copy(raw[4:], txid[:])
	return BytesToHex(raw), nil
}

// EncodeRgbppLockArgs builds RGB++ owner lock args: a 4-byte little-endian
// Bitcoin output index followed by the txid in internal byte order.
func EncodeRgbppLockArgs(btcTxid string, outIndex uint32) (string, error) {
	txid, err := chainhash.NewHashFromStr(btcTxid)
	if err != nil {
		return "", fmt.Errorf("encode rgbpp lock btc txid: %v", err)
	}
	raw := make([]byte, timeLockArgsLen)
	binary.LittleEndian.PutUint32(raw[:4], outIndex)
	copy(raw[4:], txid[:])
	return BytesToHex(raw), nil
}

// CanonicalBtcTxid normalizes a Bitcoin txid to its canonical lowercase
// display form. Settlement tokens must pass through here before they become
// job ids, otherwise the same txid in different casing would dedup to
// different jobs.
func CanonicalBtcTxid(txid string) (string, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return "", &ValidationError{Field: "token", Reason: fmt.Sprintf("not a valid bitcoin txid: %v", err)}
	}
	return hash.String(), nil
}

// ValidateBtcTxid checks a settlement token is a canonical Bitcoin txid.
func ValidateBtcTxid(txid string) error {
	_, err := CanonicalBtcTxid(txid)
	return err
}
