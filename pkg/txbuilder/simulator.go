package txbuilder

import (
	"context"
	"encoding/json"

	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/envelope"
)

// SimulationOutcome is a feasible simulation: the envelope finalized with the
// resources it needs, ready to be signed
type SimulationOutcome struct {
	Envelope        *envelope.Envelope
	MinResourceFee  int64
	TransactionData string
	LatestLedger    uint32
	Retval          json.RawMessage
}

// Simulator dry-runs envelopes
type Simulator struct {
	client *chainclient.Client
}

// NewSimulator creates a new simulator
func NewSimulator(client *chainclient.Client) *Simulator {
	return &Simulator{client: client}
}

// Simulate executes env without committing it. Errors are AuthorizationFailure or
// SimulationError carrying the ledger reason, and are never retried here.
func (s *Simulator) Simulate(ctx context.Context, env *envelope.Envelope) (*SimulationOutcome, error) {
	encoded, err := env.Encode()
	if err != nil {
		return nil, err
	}

	res, err := s.client.Simulate(ctx, encoded)
	if err != nil {
		return nil, err
	}

	outcome := &SimulationOutcome{
		Envelope:        Assemble(env, res),
		MinResourceFee:  res.MinResourceFee,
		TransactionData: res.TransactionData,
		LatestLedger:    res.LatestLedger,
	}
	if len(res.Results) > 0 {
		outcome.Retval = res.Results[0].Retval
	}
	return outcome, nil
}

// Assemble returns a copy of env carrying the simulated resources, with their
// cost added to the fee. The input envelope is left untouched.
func Assemble(env *envelope.Envelope, res *chainclient.SimulationResult) *envelope.Envelope {
	assembled := *env
	assembled.Signatures = nil
	assembled.Resources = &envelope.Resources{
		TransactionData: res.TransactionData,
		MinResourceFee:  res.MinResourceFee,
	}
	assembled.Fee = env.Fee + uint32(res.MinResourceFee)
	return &assembled
}
