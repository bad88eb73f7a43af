package engine

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/speedrun-hq/rwa-runner/pkg/contracts"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

// view simulates a read-only call and returns its value. Nothing is signed or submitted.
func (e *Engine) view(ctx context.Context, fn string, args ...models.Arg) (json.RawMessage, error) {
	if e.viewSource == "" {
		return nil, txerr.New(txerr.InvalidRequest, "no account configured for read-only calls")
	}
	env, err := e.builder.Build(ctx, e.token.View(e.viewSource, fn, args...), nil)
	if err != nil {
		return nil, err
	}
	outcome, err := e.simulator.Simulate(ctx, env)
	if err != nil {
		return nil, err
	}
	return outcome.Retval, nil
}

// Balance returns the token balance of address
func (e *Engine) Balance(ctx context.Context, address string) (*big.Int, error) {
	if err := contracts.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	raw, err := e.view(ctx, contracts.FnBalance, contracts.Address(address))
	if err != nil {
		return nil, err
	}
	return contracts.DecodeI128(raw)
}

// IsWhitelisted reports whether address may hold the token
func (e *Engine) IsWhitelisted(ctx context.Context, address string) (bool, error) {
	if err := contracts.ValidateAddress("address", address); err != nil {
		return false, err
	}
	raw, err := e.view(ctx, contracts.FnIsWhitelisted, contracts.Address(address))
	if err != nil {
		return false, err
	}
	return contracts.DecodeBool(raw)
}

// GetCompliance returns the compliance record of address, or nil when there is none
func (e *Engine) GetCompliance(ctx context.Context, address string) (*models.ComplianceData, error) {
	if err := contracts.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	raw, err := e.view(ctx, contracts.FnGetCompliance, contracts.Address(address))
	if err != nil {
		return nil, err
	}
	return contracts.DecodeCompliance(raw)
}

// IsPaused reports whether the contract is paused
func (e *Engine) IsPaused(ctx context.Context) (bool, error) {
	raw, err := e.view(ctx, contracts.FnIsPaused)
	if err != nil {
		return false, err
	}
	return contracts.DecodeBool(raw)
}

// GetAdmin returns the contract admin
func (e *Engine) GetAdmin(ctx context.Context) (string, error) {
	raw, err := e.view(ctx, contracts.FnGetAdmin)
	if err != nil {
		return "", err
	}
	return contracts.DecodeAddress(raw)
}

// TotalSupply returns the number of tokens in circulation
func (e *Engine) TotalSupply(ctx context.Context) (*big.Int, error) {
	raw, err := e.view(ctx, contracts.FnGetTotalSupply)
	if err != nil {
		return nil, err
	}
	return contracts.DecodeI128(raw)
}
