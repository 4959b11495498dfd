package ledger

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
)

// Hash prefixes prepended to hashed objects so that different object kinds
// never collide.
var (
	prefixLedger      = [4]byte{'L', 'W', 'R', 0}
	prefixTxNode      = [4]byte{'S', 'N', 'D', 0}
	prefixInnerNode   = [4]byte{'M', 'I', 'N', 0}
	prefixTransaction = [4]byte{'T', 'X', 'N', 0}
)

var errBlobTooLarge = errors.New("blob exceeds maximum variable length")

// sha512Half returns the first 256 bits of SHA-512 over the concatenated parts.
func sha512Half(parts ...[]byte) Hash {
	d := sha512.New()
	for _, p := range parts {
		d.Write(p)
	}
	var h Hash
	copy(h[:], d.Sum(nil)[:32])
	return h
}

// headerSize is the length of the canonical binary header encoding.
const headerSize = 4 + 8 + 32*3 + 4 + 4 + 1 + 1

// ComputeHash derives the ledger hash from the header fields. The claimed Hash
// field is not an input.
func (h *Header) ComputeHash() Hash {
	return sha512Half(prefixLedger[:], h.appendBinary(make([]byte, 0, headerSize)))
}

// MarshalBinary returns the canonical binary header encoding (the hashed
// fields, without the hash prefix).
func (h *Header) MarshalBinary() ([]byte, error) {
	return h.appendBinary(make([]byte, 0, headerSize)), nil
}

// UnmarshalBinary decodes the canonical binary header encoding. Hash, Closed
// and Transactions are left untouched.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) != headerSize {
		return fmt.Errorf("invalid header encoding: expected %d bytes, got %d", headerSize, len(b))
	}
	h.Index = uint64(binary.BigEndian.Uint32(b[0:4]))
	h.TotalCoins = binary.BigEndian.Uint64(b[4:12])
	copy(h.ParentHash[:], b[12:44])
	copy(h.TransactionHash[:], b[44:76])
	copy(h.AccountHash[:], b[76:108])
	h.ParentCloseTime = binary.BigEndian.Uint32(b[108:112])
	h.CloseTime = binary.BigEndian.Uint32(b[112:116])
	h.CloseTimeResolution = b[116]
	h.CloseFlags = b[117]
	return nil
}

func (h *Header) appendBinary(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.Index))
	buf = binary.BigEndian.AppendUint64(buf, h.TotalCoins)
	buf = append(buf, h.ParentHash[:]...)
	buf = append(buf, h.TransactionHash[:]...)
	buf = append(buf, h.AccountHash[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.ParentCloseTime)
	buf = binary.BigEndian.AppendUint32(buf, h.CloseTime)
	return append(buf, h.CloseTimeResolution, h.CloseFlags)
}

// TransactionID derives a transaction hash from its canonical binary form.
func TransactionID(blob []byte) Hash {
	return sha512Half(prefixTransaction[:], blob)
}

// Verify checks that h is closed and that its claimed hash matches the hash
// recomputed from its fields. When withTransactions is set, the transaction
// tree is rebuilt and compared against TransactionHash as well.
func (h *Header) Verify(withTransactions bool) error {
	if !h.Closed {
		return &ValidationError{Index: h.Index, Reason: "ledger is not closed"}
	}
	if computed := h.ComputeHash(); computed != h.Hash {
		return &ValidationError{
			Index:  h.Index,
			Reason: fmt.Sprintf("recomputed hash %s does not match claimed hash %s", computed, h.Hash),
		}
	}
	if !withTransactions {
		return nil
	}
	root, err := TransactionTreeHash(h.Transactions)
	if err != nil {
		return &ValidationError{Index: h.Index, Reason: err.Error()}
	}
	if root != h.TransactionHash {
		return &ValidationError{
			Index:  h.Index,
			Reason: fmt.Sprintf("recomputed transaction hash %s does not match %s", root, h.TransactionHash),
		}
	}
	return nil
}

// appendVL appends b prefixed with its variable-length encoded size.
func appendVL(dst, b []byte) ([]byte, error) {
	l := len(b)
	switch {
	case l <= 192:
		dst = append(dst, byte(l))
	case l <= 12480:
		l -= 193
		dst = append(dst, byte(193+(l>>8)), byte(l&0xff))
	case l <= 918744:
		l -= 12481
		dst = append(dst, byte(241+(l>>16)), byte((l>>8)&0xff), byte(l&0xff))
	default:
		return nil, fmt.Errorf("%w: %d bytes", errBlobTooLarge, len(b))
	}
	return append(dst, b...), nil
}
