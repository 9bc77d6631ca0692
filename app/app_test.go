package app

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/stretchr/testify/assert"

	"github.com/supplysphere/node/srvreg"
)

func TestInt64BytesRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 255, 256, 1<<31 - 1, 1 << 40, -1} {
		assert.Equal(t, v, bytesToInt64(int64ToBytes(v)), "value %d", v)
	}
}

func TestBytesToInt64ShortInput(t *testing.T) {
	assert.Equal(t, int64(0), bytesToInt64([]byte{1, 2, 3}))
	assert.Equal(t, int64(0), bytesToInt64(nil))
}

func TestGenerateTxID(t *testing.T) {
	a := generateTxID("req-1", "node-a")
	b := generateTxID("req-1", "node-a")
	c := generateTxID("req-1", "node-b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	want := sha256.Sum256([]byte("req-1node-a"))
	assert.Equal(t, hex.EncodeToString(want[:]), a)
}

func TestCalculateAppHash(t *testing.T) {
	results := []*abcitypes.ExecTxResult{
		{Data: []byte("tx-1")},
		{Data: []byte("tx-2")},
	}
	hash := calculateAppHash(results)
	assert.Len(t, hash, sha256.Size)

	reordered := []*abcitypes.ExecTxResult{
		{Data: []byte("tx-2")},
		{Data: []byte("tx-1")},
	}
	assert.NotEqual(t, hash, calculateAppHash(reordered), "hash is order sensitive")
}

func TestCompareResponses(t *testing.T) {
	a := &srvreg.Response{StatusCode: 200, Body: `{"id":1}`}
	b := &srvreg.Response{StatusCode: 200, Body: `{"id":1}`}
	assert.True(t, compareResponses(a, b))

	b = &srvreg.Response{StatusCode: 200, Body: `{"id":2}`}
	assert.False(t, compareResponses(a, b))

	b = &srvreg.Response{StatusCode: 500, Body: `{"id":1}`}
	assert.False(t, compareResponses(a, b))

	// headers deliberately excluded from the comparison
	a = &srvreg.Response{StatusCode: 200, Body: "x", Headers: map[string]string{"Date": "now"}}
	b = &srvreg.Response{StatusCode: 200, Body: "x", Headers: map[string]string{"Date": "later"}}
	assert.True(t, compareResponses(a, b))

	assert.True(t, compareResponses(nil, nil))
	assert.False(t, compareResponses(a, nil))
}
