package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/trustchain/chain"
	"github.com/tolelom/trustchain/trustchain"
)

// Handler holds all dependencies needed to serve RPC methods. It is
// read-only: state mutation happens through the p2p network, never RPC.
type Handler struct {
	runner    *trustchain.Runner
	networkID string
}

// NewHandler creates an RPC Handler.
func NewHandler(runner *trustchain.Runner, networkID string) *Handler {
	return &Handler{runner: runner, networkID: networkID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getChainLength":
		return okResponse(req.ID, h.runner.Chain().Len())

	case "getBlock":
		return h.getBlock(req)

	case "getTip":
		return okResponse(req.ID, h.runner.Chain().Last())

	case "getPromoters":
		return okResponse(req.ID, h.runner.Promoters())

	case "getUnknownTxs":
		return okResponse(req.ID, h.runner.Chain().UnknownTxs())

	case "getCheckpointCount":
		return okResponse(req.ID, h.runner.Chain().CpCount())

	case "getTxCount":
		return okResponse(req.ID, h.runner.Chain().TxCount())

	case "getNetworkID":
		return okResponse(req.ID, h.networkID)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Seq uint64 `json:"seq"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	c := h.runner.Chain()
	if int(params.Seq) >= c.Len() {
		return errResponse(req.ID, CodeInvalidParams, "no block at that seq")
	}

	var found chain.Block
	for i := 0; i < c.Len(); i++ {
		b := c.At(i)
		if b.Seq() == params.Seq {
			found = b
			break
		}
	}
	if found == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, found)
}
