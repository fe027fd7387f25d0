// Package engine implements the ABCI-style driver adapter of
// SPEC_FULL.md §8: the Application contract the engine drives, and the
// Engine itself, which owns the block working state, the scheduler, the
// result cache, and the mempool pool, and exposes the external interface
// of spec.md §6 (BeginBlock/DeliverTx/EndBlock/Commit/CheckTx/Query).
// Grounded on blockberries-blockberry's pkg/abi.Application /
// pkg/node.Node / cmd/blockberry/start.go and
// original_source/src/abci/mod.rs's ABCIStateMachine.
package engine

import (
	"context"
	"time"

	"github.com/blockberries/statengine/pkg/txcontext"
)

// ResultCode is the framework-wide result code space, grounded on
// blockberry's abi.ResultCode: 0 is success, 1-99 are reserved for the
// framework, 100+ are available to applications.
type ResultCode uint32

// Framework result codes.
const (
	CodeOK             ResultCode = 0
	CodeUnknownError   ResultCode = 1
	CodeInvalidTx      ResultCode = 2
	CodeOutOfBudget    ResultCode = 3
	CodeKeyHintViolate ResultCode = 4
	CodeAppErrorStart  ResultCode = 100
)

// IsOK reports success.
func (c ResultCode) IsOK() bool { return c == CodeOK }

// Validator mirrors blockberry's abi.Validator: address, public key, and
// voting power, passed opaquely through InitChain.
type Validator struct {
	Address     []byte
	PublicKey   []byte
	VotingPower int64
}

// BlockHeader carries block metadata into BeginBlock, grounded on
// blockberry's abi.BlockHeader, trimmed to the fields this engine's
// scheduler and application actually need.
type BlockHeader struct {
	Height          uint64
	Time            time.Time
	PrevHash        []byte
	ProposerAddress []byte
}

// EndBlockResult carries validator-set changes out of EndBlock, grounded
// on blockberry's abi.EndBlockResult.
type EndBlockResult struct {
	ValidatorUpdates []Validator
}

// CommitResult carries the new application state root out of Commit,
// grounded on blockberry's abi.CommitResult.
type CommitResult struct {
	AppHash      []byte
	RetainHeight uint64
}

// QueryResult is the response to a state query, grounded on blockberry's
// pkg/abi.QueryResult.
type QueryResult struct {
	Code   ResultCode
	Value  []byte
	Log    string
	Height int64
	Proof  []byte
}

// Application is the contract the engine drives, grounded on
// blockberries-blockberry/pkg/abi/application.go's method set. ExecuteTx
// and CheckTx take a *txcontext.Context rather than a bare
// context.Context: the engine must observe every key they read or wrote
// to feed the scheduler's concurrency axioms and the result cache, which
// blockberry's own simpler ABCI shim (a single sequential state machine)
// never needed.
type Application interface {
	// InitChain initializes application state at genesis.
	InitChain(ctx context.Context, validators []Validator, appState []byte) error

	// CheckTx validates a transaction for mempool inclusion. It may read
	// state through ctx but changes are only ever merged into a mempool
	// buffered store, never the block working state.
	CheckTx(ctx *txcontext.Context, payload []byte) (result []byte, err error)

	// BeginBlock prepares application state for a new block. Runs as a
	// discovery-mode transition, the same as EndBlock.
	BeginBlock(ctx *txcontext.Context, header *BlockHeader) error

	// ExecuteTx is the pure transition function: spec.md §6's
	// `execute(handle, payload_bytes) -> result_bytes`.
	ExecuteTx(ctx *txcontext.Context, payload []byte) (result []byte, err error)

	// EndBlock runs after every transaction in the block has executed.
	EndBlock(ctx *txcontext.Context) (*EndBlockResult, error)

	// Commit finalizes the block's state changes and returns the new
	// application state root.
	Commit(ctx context.Context) (*CommitResult, error)

	// Query reads application state at the given height (0 = latest).
	// Must not mutate state.
	Query(ctx context.Context, path string, data []byte, height int64) (*QueryResult, error)
}

// KeyHinter is an optional interface an Application may implement to
// supply a static key-hint for a payload ahead of scheduling, per
// spec.md §6's `key_hint(payload_bytes) -> (read_prefix_set,
// write_prefix_set)?`. When absent, or when it returns ok=false, the
// engine schedules the transition in discovery mode.
type KeyHinter interface {
	KeyHint(payload []byte) (readPrefixes, writePrefixes [][]byte, ok bool)
}
