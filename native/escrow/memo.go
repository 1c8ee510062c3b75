package escrow

import "encoding/binary"

// TransferOp tags a ledger transfer with the escrow operation that produced
// it, making transfers traceable back to their escrow without a side index.
type TransferOp uint8

const (
	TransferOpDeposit      TransferOp = 0x01
	TransferOpWithdrawal   TransferOp = 0x02
	TransferOpCancellation TransferOp = 0x03
	TransferOpRescue       TransferOp = 0x04
	TransferOpFee          TransferOp = 0x05
)

func (op TransferOp) String() string {
	switch op {
	case TransferOpDeposit:
		return "deposit"
	case TransferOpWithdrawal:
		return "withdrawal"
	case TransferOpCancellation:
		return "cancellation"
	case TransferOpRescue:
		return "rescue"
	case TransferOpFee:
		return "fee"
	default:
		return "unknown"
	}
}

// TransferMemo derives the deterministic memo for a transfer: the operation
// byte followed by the first seven bytes of the hashlock, read big-endian.
func TransferMemo(op TransferOp, hashlock [32]byte) uint64 {
	var memo [8]byte
	memo[0] = byte(op)
	copy(memo[1:], hashlock[:7])
	return binary.BigEndian.Uint64(memo[:])
}
