package types_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/utxostack/rgbpp-paymaster/internal/types"
)

const testBtcTxid = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func TestTimeLockArgsRoundTrip(t *testing.T) {
	args, err := types.EncodeTimeLockArgs(testBtcTxid, 6)
	require.NoError(t, err)
	assert.Len(t, args, 2+2*36)

	decoded, err := types.DecodeTimeLockArgs(args)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), decoded.After)
	assert.Equal(t, testBtcTxid, decoded.BtcTxid)
}

func TestTimeLockArgsByteOrder(t *testing.T) {
	// after = 2 little-endian, txid stored in internal (reversed) order
	args, err := types.EncodeTimeLockArgs(testBtcTxid, 2)
	require.NoError(t, err)
	raw, err := types.HexToBytes(args)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, raw[:4])
	// display txid ends with "a33b", so internal order starts 3b a3
	assert.Equal(t, byte(0x3b), raw[4])
	assert.Equal(t, byte(0xa3), raw[5])
}

func TestDecodeTimeLockArgsInvalid(t *testing.T) {
	_, err := types.DecodeTimeLockArgs("0x1234")
	assert.Error(t, err)

	_, err = types.DecodeTimeLockArgs("not-hex")
	assert.Error(t, err)
}

func TestCanonicalBtcTxid(t *testing.T) {
	canonical, err := types.CanonicalBtcTxid(strings.ToUpper(testBtcTxid))
	require.NoError(t, err)
	assert.Equal(t, testBtcTxid, canonical)

	_, err = types.CanonicalBtcTxid("abc")
	assert.True(t, types.IsValidationError(err))
}

func TestValidateBtcTxid(t *testing.T) {
	assert.NoError(t, types.ValidateBtcTxid(testBtcTxid))
	assert.Error(t, types.ValidateBtcTxid("abc"))
	assert.Error(t, types.ValidateBtcTxid(""))
	assert.True(t, types.IsValidationError(types.ValidateBtcTxid("xyz")))
}

func TestOutPointString(t *testing.T) {
	op := types.OutPoint{TxHash: "0xdead", Index: 3}
	assert.Equal(t, "0xdead:3", op.String())
}

func TestUint64HexJSON(t *testing.T) {
	var u types.Uint64
	require.NoError(t, u.UnmarshalJSON([]byte(`"0x2540be400"`)))
	assert.Equal(t, types.Uint64(10000000000), u)

	data, err := types.Uint64(255).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"0xff"`, string(data))
}
