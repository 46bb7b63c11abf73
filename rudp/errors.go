package rudp

import "github.com/pkg/errors"

// Application-facing error kinds. Input keeps its own negative-int
// parse diagnostics instead of these, since that return value reports
// a parse failure, not a misuse.
var (
	// ErrEmptyData is returned by Send for a zero-length write.
	ErrEmptyData = errors.New("rudp: empty data")
	// ErrFragmentTooLarge is returned by Send when the message would
	// need more fragments than the receive window can ever admit.
	ErrFragmentTooLarge = errors.New("rudp: message too large for window")
	// ErrNoData is returned by Recv when rcv_queue is empty.
	ErrNoData = errors.New("rudp: no data")
	// ErrFragmentIncomplete is returned by Recv/PeekSize when the
	// leading message has not fully arrived yet.
	ErrFragmentIncomplete = errors.New("rudp: leading message incomplete")
	// ErrBufferTooSmall is returned by Recv when the caller's buffer
	// cannot hold the next complete message.
	ErrBufferTooSmall = errors.New("rudp: buffer too small")
	// ErrInvalidMtu is returned by SetMtu for an out-of-range value.
	ErrInvalidMtu = errors.New("rudp: invalid mtu")
)

// Input result codes.
const (
	inputOK            = 0
	inputErrShort      = -1 // header short, or conv mismatch
	inputErrTruncated  = -2 // truncated payload, or len > mtu
	inputErrUnknownCmd = -3 // unrecognized cmd
)
