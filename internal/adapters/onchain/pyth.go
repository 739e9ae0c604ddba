package onchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PythContract reads update fees from the on-chain Pyth contract.
type PythContract struct {
	client  *Client
	address common.Address
}

func NewPythContract(client *Client, address string) (*PythContract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("onchain.NewPythContract: invalid address %q", address)
	}
	return &PythContract{client: client, address: common.HexToAddress(address)}, nil
}

// UpdateFee returns the fee in wei for publishing update on-chain.
func (p *PythContract) UpdateFee(ctx context.Context, update [][]byte) (*big.Int, error) {
	vals, err := p.client.call(ctx, p.address, pythABI, "getUpdateFee", update)
	if err != nil {
		return nil, fmt.Errorf("onchain.UpdateFee: %w", err)
	}
	fee, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("onchain.UpdateFee: unexpected result %v", vals[0])
	}
	return fee, nil
}
