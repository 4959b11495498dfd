package ledger

import "fmt"

// treeNode is a node of the transaction tree: a radix-16 Merkle tree keyed by
// transaction hash. A node is either a leaf (item != nil) or an inner node.
type treeNode struct {
	item     *Transaction
	children [16]*treeNode
}

// TransactionTreeHash returns the root hash of the transaction tree built from
// txs. An empty set hashes to ZeroHash. Duplicate keys keep the last item.
func TransactionTreeHash(txs []Transaction) (Hash, error) {
	root := &treeNode{}
	for i := range txs {
		insert(root, &txs[i], 0)
	}
	return root.hash()
}

func nibble(key Hash, depth int) int {
	b := key[depth/2]
	if depth%2 == 0 {
		return int(b >> 4)
	}
	return int(b & 0x0f)
}

func insert(n *treeNode, tx *Transaction, depth int) {
	idx := nibble(tx.Hash, depth)
	child := n.children[idx]
	switch {
	case child == nil:
		n.children[idx] = &treeNode{item: tx}
	case child.item != nil:
		if child.item.Hash == tx.Hash {
			child.item = tx
			return
		}
		existing := child.item
		inner := &treeNode{}
		n.children[idx] = inner
		insert(inner, existing, depth+1)
		insert(inner, tx, depth+1)
	default:
		insert(child, tx, depth+1)
	}
}

func (n *treeNode) hash() (Hash, error) {
	if n.item != nil {
		return leafHash(n.item)
	}
	empty := true
	buf := make([]byte, 0, 4+16*32)
	buf = append(buf, prefixInnerNode[:]...)
	for _, c := range n.children {
		if c == nil {
			buf = append(buf, ZeroHash[:]...)
			continue
		}
		empty = false
		h, err := c.hash()
		if err != nil {
			return ZeroHash, err
		}
		buf = append(buf, h[:]...)
	}
	if empty {
		return ZeroHash, nil
	}
	return sha512Half(buf), nil
}

func leafHash(tx *Transaction) (Hash, error) {
	buf := make([]byte, 0, 4+len(tx.Blob)+len(tx.Meta)+6+32)
	buf = append(buf, prefixTxNode[:]...)
	var err error
	if buf, err = appendVL(buf, tx.Blob); err != nil {
		return ZeroHash, fmt.Errorf("transaction %s: %w", tx.Hash, err)
	}
	if buf, err = appendVL(buf, tx.Meta); err != nil {
		return ZeroHash, fmt.Errorf("transaction %s metadata: %w", tx.Hash, err)
	}
	buf = append(buf, tx.Hash[:]...)
	return sha512Half(buf), nil
}
