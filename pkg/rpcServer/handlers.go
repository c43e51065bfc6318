package rpcServer

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Layr-Labs/dex-sidecar/internal/version"
	"github.com/Layr-Labs/dex-sidecar/pkg/stateRoot"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/venueTypes"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type VenueSummary struct {
	Venue       string              `json:"venue"`
	Status      string              `json:"status"`
	BlockNumber uint64              `json:"blockNumber"`
	StateRoot   stateRoot.StateRoot `json:"stateRoot"`
}

// ListVenuesResponse lists the venues that can be quoted at the requested
// block. Venues without state there are named in Excluded.
type ListVenuesResponse struct {
	Venues   []*VenueSummary `json:"venues"`
	Excluded []string        `json:"excluded"`
}

type SubscriberStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type StatusResponse struct {
	Version     string              `json:"version"`
	Commit      string              `json:"commit"`
	BlockNumber uint64              `json:"blockNumber"`
	BlockHash   string              `json:"blockHash,omitempty"`
	Subscribers []*SubscriberStatus `json:"subscribers"`
}

func (rpc *RpcServer) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		rpc.logger.Sugar().Errorw("Failed to encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		rpc.logger.Sugar().Debugw("Failed to write response", zap.Error(err))
	}
}

func (rpc *RpcServer) writeError(w http.ResponseWriter, status int, err error) {
	rpc.writeJSON(w, status, &ErrorResponse{Error: err.Error()})
}

// parseBlock reads the optional block query parameter; 0 means latest.
func parseBlock(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("block")
	if raw == "" || raw == "latest" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (rpc *RpcServer) handleListVenues(w http.ResponseWriter, r *http.Request) {
	blockNumber, err := parseBlock(r)
	if err != nil {
		rpc.writeError(w, http.StatusBadRequest, errors.New("invalid block"))
		return
	}

	res := &ListVenuesResponse{
		Venues:   make([]*VenueSummary, 0, len(rpc.venues)),
		Excluded: make([]string, 0),
	}
	for _, v := range rpc.venues {
		snapshot, err := v.GetSnapshot(blockNumber)
		if err != nil {
			if !errors.Is(err, venueTypes.ErrStateNotFound) {
				rpc.logger.Sugar().Warnw("Failed to read venue snapshot",
					zap.String("venue", v.GetName()),
					zap.Uint64("blockNumber", blockNumber),
					zap.Error(err),
				)
			}
			res.Excluded = append(res.Excluded, v.GetName())
			continue
		}
		res.Venues = append(res.Venues, &VenueSummary{
			Venue:       snapshot.Venue,
			Status:      snapshot.Status,
			BlockNumber: snapshot.BlockNumber,
			StateRoot:   snapshot.StateRoot,
		})
	}
	rpc.writeJSON(w, http.StatusOK, res)
}

func (rpc *RpcServer) handleGetVenueState(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	venue, ok := rpc.venueIndex[name]
	if !ok {
		rpc.writeError(w, http.StatusNotFound, errors.New("unknown venue"))
		return
	}
	blockNumber, err := parseBlock(r)
	if err != nil {
		rpc.writeError(w, http.StatusBadRequest, errors.New("invalid block"))
		return
	}

	snapshot, err := venue.GetSnapshot(blockNumber)
	if err != nil {
		if errors.Is(err, venueTypes.ErrStateNotFound) {
			rpc.writeError(w, http.StatusNotFound, err)
			return
		}
		rpc.logger.Sugar().Errorw("Failed to read venue snapshot",
			zap.String("venue", name),
			zap.Uint64("blockNumber", blockNumber),
			zap.Error(err),
		)
		rpc.writeError(w, http.StatusInternalServerError, errors.New("failed to read venue state"))
		return
	}
	rpc.writeJSON(w, http.StatusOK, snapshot)
}

func (rpc *RpcServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	res := &StatusResponse{
		Version:     version.GetVersion(),
		Commit:      version.GetCommit(),
		Subscribers: make([]*SubscriberStatus, 0, len(rpc.venues)),
	}
	if rpc.heads != nil {
		if head := rpc.heads.GetLastHeader(); head != nil {
			res.BlockNumber = head.Number
			res.BlockHash = head.Hash.Hex()
		}
	}
	for _, v := range rpc.venues {
		res.Subscribers = append(res.Subscribers, &SubscriberStatus{
			Name:   v.GetName(),
			Status: v.Status().String(),
		})
	}
	rpc.writeJSON(w, http.StatusOK, res)
}
