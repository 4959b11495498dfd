package testutils

import (
	"encoding/binary"
	"fmt"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

// NewTransaction builds a transaction whose hash is derived from its blob.
func NewTransaction(seed uint64, index uint32) ledger.Transaction {
	blob := binary.BigEndian.AppendUint64([]byte("tx-"), seed)
	meta := []byte(fmt.Sprintf("meta-%d", seed))
	return ledger.Transaction{
		Hash:  ledger.TransactionID(blob),
		Blob:  blob,
		Meta:  meta,
		Index: index,
	}
}

// NewHeader builds a closed, self-consistent ledger on top of parent. txCount
// transactions are attached and the transaction and ledger hashes are computed.
func NewHeader(index uint64, parent ledger.Hash, txCount int) *ledger.Header {
	h := &ledger.Header{
		Index:               index,
		ParentHash:          parent,
		AccountHash:         ledger.TransactionID([]byte(fmt.Sprintf("state-%d", index))),
		CloseTime:           uint32(700000000 + index*4),
		ParentCloseTime:     uint32(700000000 + (index-1)*4),
		CloseTimeResolution: 10,
		TotalCoins:          99_999_999_999_000_000 - index,
		Closed:              true,
	}
	for i := 0; i < txCount; i++ {
		h.Transactions = append(h.Transactions, NewTransaction(index*1000+uint64(i), uint32(i)))
	}
	Seal(h)
	return h
}

// Seal recomputes the transaction and ledger hashes of h in place.
func Seal(h *ledger.Header) {
	root, err := ledger.TransactionTreeHash(h.Transactions)
	if err != nil {
		panic(err)
	}
	h.TransactionHash = root
	h.Hash = h.ComputeHash()
}

// Chain builds count hash-linked ledgers starting at index first. The result
// is keyed by index.
func Chain(first uint64, count int, txPerLedger int) map[uint64]*ledger.Header {
	out := make(map[uint64]*ledger.Header, count)
	parent := ledger.TransactionID([]byte(fmt.Sprintf("parent-of-%d", first)))
	for i := 0; i < count; i++ {
		idx := first + uint64(i)
		h := NewHeader(idx, parent, txPerLedger)
		out[idx] = h
		parent = h.Hash
	}
	return out
}

// Clone returns a deep copy of h.
func Clone(h *ledger.Header) *ledger.Header {
	c := *h
	c.Transactions = append([]ledger.Transaction(nil), h.Transactions...)
	return &c
}
