package rethink

// Wire-level constants for the JSON query protocol.
const (
	// protocolVersionMagic identifies the client protocol revision sent as
	// the first four bytes of the handshake.
	protocolVersionMagic uint32 = 0x5f75e83e

	// protocolWireJSON selects JSON framing for query traffic.
	protocolWireJSON uint32 = 0x7e6970c7

	handshakeSuccess = "SUCCESS"

	// frameHeaderSize is the 8-byte token plus the 4-byte payload length.
	frameHeaderSize = 12
)

// Query types carried as the first element of a request payload.
const (
	queryTypeStart       = 1
	queryTypeContinue    = 2
	queryTypeStop        = 3
	queryTypeNoreplyWait = 4
)

// Response types carried in the "t" field of a response payload.
const (
	ResponseSuccessAtom     = 1
	ResponseSuccessSequence = 2
	ResponseSuccessPartial  = 3
	ResponseWaitComplete    = 4
	ResponseClientError     = 16
	ResponseCompileError    = 17
	ResponseRuntimeError    = 18
)
