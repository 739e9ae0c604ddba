package pyth_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alejandrodnm/perpkeeper/internal/adapters/pyth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedFee struct{ got [][]byte }

func (f *fixedFee) UpdateFee(_ context.Context, update [][]byte) (*big.Int, error) {
	f.got = update
	return big.NewInt(int64(len(update))), nil
}

func TestSignedPriceUpdate(t *testing.T) {
	vaa := []byte{0x50, 0x4e, 0x41, 0x55}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/latest_vaas", r.URL.Path)
		assert.Equal(t, []string{"0xfeed"}, r.URL.Query()["ids[]"])
		json.NewEncoder(w).Encode([]string{base64.StdEncoding.EncodeToString(vaa)})
	}))
	defer srv.Close()

	c := pyth.NewClient(srv.URL, nil, nil)
	update, err := c.SignedPriceUpdate(context.Background(), "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{vaa}, update)
}

func TestSignedPriceUpdate_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]string{base64.StdEncoding.EncodeToString([]byte{1})})
	}))
	defer srv.Close()

	c := pyth.NewClient(srv.URL, nil, nil)
	update, err := c.SignedPriceUpdate(context.Background(), "0xfeed")
	require.NoError(t, err)
	assert.Len(t, update, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSignedPriceUpdate_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown price feed", http.StatusNotFound)
	}))
	defer srv.Close()

	c := pyth.NewClient(srv.URL, nil, nil)
	_, err := c.SignedPriceUpdate(context.Background(), "0xmissing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSignedPriceUpdate_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := pyth.NewClient(srv.URL, nil, nil).SignedPriceUpdate(context.Background(), "0xfeed")
	assert.Error(t, err)
}

func TestUpdateFee_DelegatesToQuoter(t *testing.T) {
	fees := &fixedFee{}
	c := pyth.NewClient("http://unused", fees, nil)

	fee, err := c.UpdateFee(context.Background(), [][]byte{{1}, {2}})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2), fee)
	assert.Len(t, fees.got, 2)

	_, err = pyth.NewClient("http://unused", nil, nil).UpdateFee(context.Background(), nil)
	assert.Error(t, err)
}
