package engine

import (
	"context"
	"errors"

	"github.com/blockberries/statengine/pkg/txcontext"
)

// BaseApplication provides fail-closed defaults for the Application
// contract, grounded on blockberries-blockberry/pkg/abi/base_application.go:
// every method that could change or leak state rejects by default, and
// applications embed this and override only what they implement.
type BaseApplication struct{}

var _ Application = (*BaseApplication)(nil)

// InitChain accepts genesis with no application state by default.
func (BaseApplication) InitChain(ctx context.Context, validators []Validator, appState []byte) error {
	return nil
}

// CheckTx rejects every transaction by default.
func (BaseApplication) CheckTx(ctx *txcontext.Context, payload []byte) ([]byte, error) {
	return nil, errors.New("engine: CheckTx not implemented: application must override this method")
}

// BeginBlock is a no-op by default.
func (BaseApplication) BeginBlock(ctx *txcontext.Context, header *BlockHeader) error {
	return nil
}

// ExecuteTx rejects every transaction by default.
func (BaseApplication) ExecuteTx(ctx *txcontext.Context, payload []byte) ([]byte, error) {
	return nil, errors.New("engine: ExecuteTx not implemented: application must override this method")
}

// EndBlock returns an empty result by default.
func (BaseApplication) EndBlock(ctx *txcontext.Context) (*EndBlockResult, error) {
	return &EndBlockResult{}, nil
}

// Commit returns an empty result by default. Applications MUST override
// this to return a meaningful app hash.
func (BaseApplication) Commit(ctx context.Context) (*CommitResult, error) {
	return &CommitResult{}, nil
}

// Query rejects every query by default.
func (BaseApplication) Query(ctx context.Context, path string, data []byte, height int64) (*QueryResult, error) {
	return nil, errors.New("engine: Query not implemented: application must override this method")
}
