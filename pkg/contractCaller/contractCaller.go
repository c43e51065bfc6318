package contractCaller

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var ErrCallReverted = errors.New("contract call reverted")

// Call is one read-only contract call.
type Call struct {
	Target   common.Address
	Abi      *abi.ABI
	Method   string
	CallData []byte
}

// Result is the outcome of a Call. A reverted call has Success false and is
// not an error for the batch it belongs to.
type Result struct {
	Call       *Call
	Success    bool
	ReturnData []byte
}

// IContractCaller executes batches of read-only calls at a block number;
// 0 means latest. Results are in the order of the calls. Implementations
// must be safe for concurrent use.
type IContractCaller interface {
	Aggregate(ctx context.Context, calls []*Call, blockNumber uint64) ([]*Result, error)
}

// Describe packs a call to method on target.
func Describe(target common.Address, a *abi.ABI, method string, args ...interface{}) (*Call, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pack %s call for %s", method, target.Hex())
	}
	return &Call{
		Target:   target,
		Abi:      a,
		Method:   method,
		CallData: data,
	}, nil
}

// MustDescribe is Describe for call sets built from static ABIs and arguments.
func MustDescribe(target common.Address, a *abi.ABI, method string, args ...interface{}) *Call {
	c, err := Describe(target, a, method, args...)
	if err != nil {
		panic(err)
	}
	return c
}

func (r *Result) check() error {
	if r == nil || r.Call == nil {
		return errors.New("empty result")
	}
	if !r.Success {
		return errors.Wrapf(ErrCallReverted, "%s on %s", r.Call.Method, r.Call.Target.Hex())
	}
	return nil
}

// Unpack decodes the single output of a successful call as T.
func Unpack[T any](r *Result) (T, error) {
	var zero T
	if err := r.check(); err != nil {
		return zero, err
	}
	out, err := r.Call.Abi.Unpack(r.Call.Method, r.ReturnData)
	if err != nil {
		return zero, errors.Wrapf(err, "failed to unpack %s", r.Call.Method)
	}
	if len(out) != 1 {
		return zero, fmt.Errorf("expected 1 output for %s, got %d", r.Call.Method, len(out))
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("unexpected output type %T for %s", out[0], r.Call.Method)
	}
	return v, nil
}

// UnpackInto decodes the outputs of a successful call into v, typically a
// pointer to a struct whose fields are named after the outputs.
func UnpackInto(r *Result, v interface{}) error {
	if err := r.check(); err != nil {
		return err
	}
	if err := r.Call.Abi.UnpackIntoInterface(v, r.Call.Method, r.ReturnData); err != nil {
		return errors.Wrapf(err, "failed to unpack %s", r.Call.Method)
	}
	return nil
}
