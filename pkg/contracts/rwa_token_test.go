package contracts

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testContract = "0x00000000000000000000000000000000000000c1"
	testAdmin    = "0x00000000000000000000000000000000000000a1"
	testUser     = "0x00000000000000000000000000000000000000b2"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "simple", input: "1000", want: "1000"},
		{name: "i128 max", input: "170141183460469231731687303715884105727", want: "170141183460469231731687303715884105727"},
		{name: "zero", input: "0", wantErr: true},
		{name: "negative", input: "-5", wantErr: true},
		{name: "decimal", input: "1.5", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "overflow", input: "170141183460469231731687303715884105728", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseAmount(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, txerr.Is(err, txerr.InvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("recipient", testUser))
	err := ValidateAddress("recipient", "GABC")
	require.Error(t, err)
	assert.True(t, txerr.Is(err, txerr.InvalidRequest))
	assert.Contains(t, err.Error(), "recipient")
}

func TestRWATokenRequests(t *testing.T) {
	_, err := NewRWAToken("not-a-contract")
	assert.Error(t, err)

	token, err := NewRWAToken(testContract)
	require.NoError(t, err)

	req := token.MintSimple(testAdmin, testUser, big.NewInt(500))
	assert.Equal(t, FnMintSimple, req.FunctionName)
	assert.Equal(t, testAdmin, req.SignerAddress)
	require.Len(t, req.Args, 2)
	assert.Equal(t, models.ArgAddress, req.Args[0].Type)
	assert.Equal(t, common.HexToAddress(testUser).Hex(), req.Args[0].Value)
	assert.Equal(t, "500", req.Args[1].Value)

	req = token.Transfer(testUser, testAdmin, big.NewInt(1))
	assert.Equal(t, testUser, req.SignerAddress)
	assert.Len(t, req.Args, 3)

	req = token.AddCompliance(testAdmin, testUser, models.ComplianceData{KYCVerified: true, Jurisdiction: "US", ComplianceExpiry: 1800000000})
	require.Len(t, req.Args, 2)
	m, ok := req.Args[1].Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1800000000", m["compliance_expiry"])
	assert.Equal(t, true, m["kyc_verified"])
}

func TestDecoders(t *testing.T) {
	v, err := DecodeI128(json.RawMessage(`"12345"`))
	require.NoError(t, err)
	assert.Equal(t, "12345", v.String())
	_, err = DecodeI128(json.RawMessage(`12345`))
	assert.Error(t, err)

	b, err := DecodeBool(json.RawMessage(`true`))
	require.NoError(t, err)
	assert.True(t, b)

	addr, err := DecodeAddress(json.RawMessage(`"` + testAdmin + `"`))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAdmin).Hex(), addr)

	c, err := DecodeCompliance(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = DecodeCompliance(json.RawMessage(`{"kyc_verified":true,"accredited_investor":false,"jurisdiction":"DE","compliance_expiry":"1800000000"}`))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "DE", c.Jurisdiction)
	assert.Equal(t, uint64(1800000000), c.ComplianceExpiry)
}
