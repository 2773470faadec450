package constants

// Tab stream buffering.
const (
	// TabBufferChunks bounds the per-tab output ring. The oldest chunk is
	// evicted on overflow.
	TabBufferChunks = 1000

	// TabBackfillLines is how much scrollback a first attach asks the agent
	// to replay from its side of the terminal.
	TabBackfillLines = 500
)
