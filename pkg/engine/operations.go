package engine

import (
	"context"

	"github.com/speedrun-hq/rwa-runner/pkg/contracts"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/signer"
)

// Transfer moves amount from one holder to another, signed by the session of from
func (e *Engine) Transfer(ctx context.Context, id, from, to, amount string) (*Outcome, error) {
	if err := contracts.ValidateAddress("from", from); err != nil {
		return nil, err
	}
	if err := contracts.ValidateAddress("to", to); err != nil {
		return nil, err
	}
	amt, err := contracts.ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	payload := models.Payload{From: from, To: to, Amount: amt.String(), Source: from}
	return e.run(ctx, id, models.KindTransfer, payload, func() (models.TransactionRequest, signer.Signer, error) {
		s, err := e.sessions.SessionFor(from)
		if err != nil {
			return models.TransactionRequest{}, nil, err
		}
		return e.token.Transfer(from, to, amt), s, nil
	})
}

// Mint creates amount new tokens for to with the server credential
func (e *Engine) Mint(ctx context.Context, id, to, amount string) (*Outcome, error) {
	if err := contracts.ValidateAddress("to", to); err != nil {
		return nil, err
	}
	amt, err := contracts.ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	payload := models.Payload{To: to, Amount: amt.String()}
	return e.run(ctx, id, models.KindMint, payload, func() (models.TransactionRequest, signer.Signer, error) {
		s, admin, err := e.Admin()
		if err != nil {
			return models.TransactionRequest{}, nil, err
		}
		return e.token.MintSimple(admin, to, amt), s, nil
	})
}

// Burn destroys amount tokens held by from
func (e *Engine) Burn(ctx context.Context, id, from, amount string) (*Outcome, error) {
	if err := contracts.ValidateAddress("from", from); err != nil {
		return nil, err
	}
	amt, err := contracts.ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	payload := models.Payload{From: from, Amount: amt.String()}
	return e.run(ctx, id, models.KindBurn, payload, func() (models.TransactionRequest, signer.Signer, error) {
		s, admin, err := e.Admin()
		if err != nil {
			return models.TransactionRequest{}, nil, err
		}
		return e.token.Burn(admin, from, amt), s, nil
	})
}

// AddToWhitelist allows address to hold the token
func (e *Engine) AddToWhitelist(ctx context.Context, id, address string) (*Outcome, error) {
	if err := contracts.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	return e.run(ctx, id, models.KindWhitelistAdd, models.Payload{Address: address}, func() (models.TransactionRequest, signer.Signer, error) {
		s, admin, err := e.Admin()
		if err != nil {
			return models.TransactionRequest{}, nil, err
		}
		return e.token.AddToWhitelist(admin, address), s, nil
	})
}

// RemoveFromWhitelist revokes the whitelisting of address
func (e *Engine) RemoveFromWhitelist(ctx context.Context, id, address string) (*Outcome, error) {
	if err := contracts.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	return e.run(ctx, id, models.KindWhitelistRemove, models.Payload{Address: address}, func() (models.TransactionRequest, signer.Signer, error) {
		s, admin, err := e.Admin()
		if err != nil {
			return models.TransactionRequest{}, nil, err
		}
		return e.token.RemoveFromWhitelist(admin, address), s, nil
	})
}

// AddCompliance sets the compliance record of address
func (e *Engine) AddCompliance(ctx context.Context, id, address string, data models.ComplianceData) (*Outcome, error) {
	if err := contracts.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	payload := models.Payload{Address: address, Compliance: &data}
	return e.run(ctx, id, models.KindComplianceUpdate, payload, func() (models.TransactionRequest, signer.Signer, error) {
		s, admin, err := e.Admin()
		if err != nil {
			return models.TransactionRequest{}, nil, err
		}
		return e.token.AddCompliance(admin, address, data), s, nil
	})
}
