package rpcServer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/venueTypes"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVenue struct {
	name      string
	status    types.SubscriberStatus
	snapshots map[uint64]*venueTypes.Snapshot
	latest    uint64
}

func (v *fakeVenue) GetName() string { return v.name }
func (v *fakeVenue) GetAddresses() []common.Address { return nil }
func (v *fakeVenue) Status() types.SubscriberStatus { return v.status }
func (v *fakeVenue) Initialize(context.Context, uint64) error { return nil }
func (v *fakeVenue) Restart(context.Context, uint64) error { return nil }
func (v *fakeVenue) Update(context.Context, []ethTypes.Log, map[uint64]*types.BlockHeader) error {
	return nil
}

func (v *fakeVenue) GetSnapshot(blockNumber uint64) (*venueTypes.Snapshot, error) {
	if blockNumber == 0 {
		blockNumber = v.latest
	}
	s, ok := v.snapshots[blockNumber]
	if !ok {
		return nil, venueTypes.ErrStateNotFound
	}
	return s, nil
}

func (v *fakeVenue) RegenerateSnapshot(ctx context.Context, blockNumber uint64) (*venueTypes.Snapshot, error) {
	return v.GetSnapshot(blockNumber)
}

func (v *fakeVenue) ExportRows(blockNumber uint64) (any, uint64, error) {
	return nil, 0, venueTypes.ErrStateNotFound
}

type fakeHeads struct {
	head *types.BlockHeader
}

func (f *fakeHeads) GetLastHeader() *types.BlockHeader { return f.head }

func setup(t *testing.T) http.Handler {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)

	pools := &fakeVenue{
		name:   "uniswap-v2",
		status: types.SubscriberStatus_Tracking,
		latest: 101,
		snapshots: map[uint64]*venueTypes.Snapshot{
			100: {Venue: "uniswap-v2", Status: "tracking", BlockNumber: 100, StateRoot: "0x01", State: []string{"a"}},
			101: {Venue: "uniswap-v2", Status: "tracking", BlockNumber: 101, StateRoot: "0x02", State: []string{"b"}},
		},
	}
	vault := &fakeVenue{
		name:      "perp-vault",
		status:    types.SubscriberStatus_Uninitialized,
		snapshots: map[uint64]*venueTypes.Snapshot{},
	}
	heads := &fakeHeads{head: &types.BlockHeader{Number: 101, Hash: common.HexToHash("0xabc")}}

	rpc := NewRpcServer(&RpcServerConfig{HttpPort: 0}, []venueTypes.IVenue{pools, vault}, heads, nil, l)
	return rpc.Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func Test_RpcServer(t *testing.T) {
	t.Run("Should list venues with state and exclude the rest", func(t *testing.T) {
		h := setup(t)
		rec := get(t, h, "/v1/venues")
		require.Equal(t, http.StatusOK, rec.Code)

		res := &ListVenuesResponse{}
		require.Nil(t, json.Unmarshal(rec.Body.Bytes(), res))
		require.Len(t, res.Venues, 1)
		assert.Equal(t, "uniswap-v2", res.Venues[0].Venue)
		assert.Equal(t, uint64(101), res.Venues[0].BlockNumber)
		assert.Equal(t, []string{"perp-vault"}, res.Excluded)
	})
	t.Run("Should return a venue state at a block", func(t *testing.T) {
		h := setup(t)
		rec := get(t, h, "/v1/venues/uniswap-v2/state?block=100")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		snapshot := &venueTypes.Snapshot{}
		require.Nil(t, json.Unmarshal(rec.Body.Bytes(), snapshot))
		assert.Equal(t, uint64(100), snapshot.BlockNumber)
		assert.Equal(t, "0x01", string(snapshot.StateRoot))
	})
	t.Run("Should respond 404 for missing state and unknown venues", func(t *testing.T) {
		h := setup(t)
		assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/venues/perp-vault/state").Code)
		assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/venues/uniswap-v2/state?block=99").Code)
		assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/venues/curve/state").Code)
	})
	t.Run("Should reject invalid block numbers", func(t *testing.T) {
		h := setup(t)
		assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/venues/uniswap-v2/state?block=abc").Code)
		assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/venues?block=-1").Code)
	})
	t.Run("Should report status", func(t *testing.T) {
		h := setup(t)
		rec := get(t, h, "/v1/status")
		require.Equal(t, http.StatusOK, rec.Code)

		res := &StatusResponse{}
		require.Nil(t, json.Unmarshal(rec.Body.Bytes(), res))
		assert.Equal(t, uint64(101), res.BlockNumber)
		require.Len(t, res.Subscribers, 2)
		assert.Equal(t, "tracking", res.Subscribers[0].Status)
		assert.Equal(t, "uninitialized", res.Subscribers[1].Status)
	})
	t.Run("Should answer cors preflight requests", func(t *testing.T) {
		h := setup(t)
		req := httptest.NewRequest(http.MethodOptions, "/v1/venues", nil)
		req.Header.Set("Origin", "https://app.test")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}
