package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrReceiptMismatch is returned when the receipts do not line up with the
// block's transactions
var ErrReceiptMismatch = errors.New("receipts do not match block transactions")

// FromEthBlock formats a go-ethereum block and its receipts.
// receipts must hold exactly one receipt per transaction, in order.
// signer is used to recover senders; nil leaves From empty.
func FromEthBlock(block *ethtypes.Block, receipts []*ethtypes.Receipt, signer ethtypes.Signer) (*Block, error) {
	if block == nil {
		return nil, fmt.Errorf("block cannot be nil")
	}

	txs := block.Transactions()
	if len(receipts) != len(txs) {
		return nil, fmt.Errorf("%w: block %d has %d transactions, got %d receipts",
			ErrReceiptMismatch, block.NumberU64(), len(txs), len(receipts))
	}

	out := &Block{
		Number:       block.NumberU64(),
		Hash:         block.Hash().Hex(),
		ParentHash:   block.ParentHash().Hex(),
		Timestamp:    block.Time(),
		Miner:        block.Coinbase().Hex(),
		GasLimit:     block.GasLimit(),
		GasUsed:      block.GasUsed(),
		BaseFee:      bigString(block.BaseFee()),
		Transactions: make([]Transaction, 0, len(txs)),
	}

	for i, tx := range txs {
		receipt := receipts[i]
		if receipt == nil {
			return nil, fmt.Errorf("%w: missing receipt for tx %s", ErrReceiptMismatch, tx.Hash().Hex())
		}
		if receipt.TxHash != (common.Hash{}) && receipt.TxHash != tx.Hash() {
			return nil, fmt.Errorf("%w: receipt %d is for tx %s, expected %s",
				ErrReceiptMismatch, i, receipt.TxHash.Hex(), tx.Hash().Hex())
		}
		out.Transactions = append(out.Transactions, formatTransaction(tx, uint(i), receipt, signer))
	}

	return out, nil
}

// HeaderFromEth reduces a go-ethereum header to the fields the pipeline needs
func HeaderFromEth(h *ethtypes.Header) *Header {
	return &Header{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash().Hex(),
		ParentHash: h.ParentHash.Hex(),
		Timestamp:  h.Time,
	}
}

func formatTransaction(tx *ethtypes.Transaction, index uint, receipt *ethtypes.Receipt, signer ethtypes.Signer) Transaction {
	out := Transaction{
		Hash:     tx.Hash().Hex(),
		Index:    index,
		Type:     tx.Type(),
		Nonce:    tx.Nonce(),
		Value:    bigString(tx.Value()),
		Gas:      tx.Gas(),
		GasPrice: bigString(tx.GasPrice()),
		Input:    hexutil.Encode(tx.Data()),
		Receipt:  formatReceipt(receipt),
	}
	if to := tx.To(); to != nil {
		out.To = to.Hex()
	}
	if signer != nil {
		if from, err := ethtypes.Sender(signer, tx); err == nil {
			out.From = from.Hex()
		}
	}
	return out
}

func formatReceipt(r *ethtypes.Receipt) *Receipt {
	out := &Receipt{
		Status:            r.Status,
		GasUsed:           r.GasUsed,
		CumulativeGasUsed: r.CumulativeGasUsed,
		EffectiveGasPrice: bigString(r.EffectiveGasPrice),
		Logs:              make([]Log, 0, len(r.Logs)),
	}
	if r.ContractAddress != (common.Address{}) {
		out.ContractAddress = r.ContractAddress.Hex()
	}
	for _, l := range r.Logs {
		topics := make([]string, len(l.Topics))
		for i, topic := range l.Topics {
			topics[i] = topic.Hex()
		}
		out.Logs = append(out.Logs, Log{
			Address: l.Address.Hex(),
			Topics:  topics,
			Data:    hexutil.Encode(l.Data),
			Index:   l.Index,
		})
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
