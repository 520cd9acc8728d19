package signer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexswap/internal/chain"
	"github.com/alanyoungcy/dexswap/internal/crypto"
	"github.com/alanyoungcy/dexswap/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func unsigned(from string) domain.UnsignedTransaction {
	return domain.UnsignedTransaction{
		ChainID:      31337,
		From:         from,
		To:           "0xdef1c0ded9bec7f1a1670819833240f027b25eff",
		Data:         "0xd9627aa4",
		Value:        big.NewInt(10),
		AggregatorID: "zeroex",
		QuoteID:      "q1",
	}
}

func TestRemoteSignsRequestsAndReturnsHash(t *testing.T) {
	auth := &crypto.RequestAuth{Key: "k", Secret: "s"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok := auth.Verify(r.Method, r.URL.Path, string(body),
			r.Header.Get(crypto.HeaderSignerTimestamp), r.Header.Get(crypto.HeaderSignerSignature))
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req sendRequest
		_ = json.Unmarshal(body, &req)
		assert.Equal(t, "10", req.Value)
		_ = json.NewEncoder(w).Encode(sendResponse{TxHash: "0xabc"})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, auth, time.Second, discard)
	hash, err := r.SignAndBroadcast(context.Background(), unsigned("0x01"))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
}

func TestRemoteClassifiesFailures(t *testing.T) {
	f := false
	tr := true
	tests := []struct {
		name   string
		status int
		body   any
		want   error
	}{
		{"explicit not broadcast", http.StatusInternalServerError, sendResponse{Error: "hsm offline", Broadcast: &f}, domain.ErrNotBroadcast},
		{"explicit broadcast", http.StatusBadGateway, sendResponse{Error: "node timeout", Broadcast: &tr}, domain.ErrBroadcastFailed},
		{"busy", http.StatusServiceUnavailable, nil, domain.ErrNotBroadcast},
		{"unknown server error", http.StatusInternalServerError, nil, domain.ErrBroadcastFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != nil {
					_ = json.NewEncoder(w).Encode(tt.body)
				}
			}))
			defer srv.Close()

			_, err := NewRemote(srv.URL, nil, time.Second, discard).SignAndBroadcast(context.Background(), unsigned("0x01"))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRemoteUnreachableIsNotBroadcast(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRemote(url, nil, time.Second, discard).SignAndBroadcast(context.Background(), unsigned("0x01"))
	assert.ErrorIs(t, err, domain.ErrNotBroadcast)
}

type sendingEth struct {
	sent    *types.Transaction
	sendErr error
}

func (s *sendingEth) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *sendingEth) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}
func (s *sendingEth) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (s *sendingEth) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (s *sendingEth) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 4, nil }
func (s *sendingEth) SuggestGasPrice(context.Context) (*big.Int, error)              { return big.NewInt(7), nil }
func (s *sendingEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error)  { return 150_000, nil }
func (s *sendingEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = tx
	return nil
}

func TestLocalSignsAndSends(t *testing.T) {
	pk, err := crypto.LoadECDSA(crypto.KeyConfig{RawPrivateKey: "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"})
	require.NoError(t, err)
	txSigner := crypto.NewTxSigner(pk)
	eth := &sendingEth{}
	l := NewLocal(chain.NewRegistry(map[int64]chain.EthClient{31337: eth}), txSigner, discard)

	hash, err := l.SignAndBroadcast(context.Background(), unsigned(txSigner.Address().Hex()))
	require.NoError(t, err)
	require.NotNil(t, eth.sent)
	assert.Equal(t, eth.sent.Hash().Hex(), hash)
	assert.Equal(t, uint64(4), eth.sent.Nonce())
	assert.Equal(t, uint64(150_000), eth.sent.Gas())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), eth.sent)
	require.NoError(t, err)
	assert.Equal(t, txSigner.Address(), from)

	_, err = l.SignAndBroadcast(context.Background(), unsigned("0x0000000000000000000000000000000000000001"))
	assert.ErrorIs(t, err, domain.ErrNotBroadcast)

	eth.sendErr = assert.AnError
	_, err = l.SignAndBroadcast(context.Background(), unsigned(txSigner.Address().Hex()))
	assert.ErrorIs(t, err, domain.ErrBroadcastFailed)
}
