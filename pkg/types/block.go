// Package types holds the chain data model shared by the streaming pipeline.
package types

import (
	"strconv"
)

// Block is a fully formatted block, as emitted downstream.
// A Block is immutable once built.
type Block struct {
	Number       uint64        `json:"number"`
	Hash         string        `json:"hash"`
	ParentHash   string        `json:"parentHash"`
	Timestamp    uint64        `json:"timestamp"`
	Miner        string        `json:"miner,omitempty"`
	GasLimit     uint64        `json:"gasLimit"`
	GasUsed      uint64        `json:"gasUsed"`
	BaseFee      string        `json:"baseFeePerGas,omitempty"`
	Transactions []Transaction `json:"transactions"`
}

// Header returns the identifying fields of the block
func (b *Block) Header() Header {
	return Header{
		Number:     b.Number,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  b.Timestamp,
	}
}

// Key returns the event-bus partition key for the block (its decimal number)
func (b *Block) Key() string {
	return strconv.FormatUint(b.Number, 10)
}

// Transaction is a formatted transaction together with its receipt
type Transaction struct {
	Hash     string   `json:"hash"`
	Index    uint     `json:"transactionIndex"`
	Type     uint8    `json:"type"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Nonce    uint64   `json:"nonce"`
	Value    string   `json:"value"`
	Gas      uint64   `json:"gas"`
	GasPrice string   `json:"gasPrice,omitempty"`
	Input    string   `json:"input"`
	Receipt  *Receipt `json:"receipt,omitempty"`
}

// Receipt is the execution outcome of a transaction
type Receipt struct {
	Status            uint64 `json:"status"`
	GasUsed           uint64 `json:"gasUsed"`
	CumulativeGasUsed uint64 `json:"cumulativeGasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice,omitempty"`
	ContractAddress   string `json:"contractAddress,omitempty"`
	Logs              []Log  `json:"logs"`
}

// Log is a formatted receipt log
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
	Index   uint     `json:"logIndex"`
}

// Header carries the fields needed to place a block in the chain
type Header struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  uint64 `json:"timestamp"`
}

// LogEvent is a log notification from a live subscription, reduced to the
// block it belongs to
type LogEvent struct {
	BlockNumber uint64
	BlockHash   string
	Removed     bool
}

// LogSubscription is an open log subscription on a node
type LogSubscription interface {
	// Logs delivers log events in the order the node sends them
	Logs() <-chan LogEvent
	// Err delivers a subscription failure; closed on Unsubscribe
	Err() <-chan error
	// Unsubscribe releases the subscription. Safe to call more than once.
	Unsubscribe()
}
