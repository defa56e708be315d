package settlement

import (
	"context"
	"errors"
	"fmt"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var _ ReceiptSource = (*EthReceiptSource)(nil)

// EthReceiptSource reads receipts from a JSON-RPC node via ethclient.
// Not-found is reported as (nil, nil) so the watcher can distinguish
// "not yet mined" from infrastructure failure.
type EthReceiptSource struct {
	client *ethclient.Client
}

func NewEthReceiptSource(rpcURL string) (*EthReceiptSource, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC node: %w", err)
	}
	return &EthReceiptSource{client: client}, nil
}

func (s *EthReceiptSource) TransactionReceipt(ctx context.Context, txHash string) (*ethtypes.Receipt, error) {
	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Close closes the underlying RPC connection.
func (s *EthReceiptSource) Close() {
	s.client.Close()
}
