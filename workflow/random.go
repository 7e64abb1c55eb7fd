package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
)

// Random returns a deterministic pseudo-random float64 in [0, 1). The value
// is a stateless hash of the job ID, dimension, and the call's execution
// index, so every replay of a job observes the identical sequence.
func Random(ctx *Context) float64 {
	index := ctx.next()
	sum := sha256.Sum256([]byte(ctx.WorkflowID() + "|" + ctx.Dimension() + "|" + strconv.Itoa(index)))
	// 53 bits of hash give a uniform double in [0, 1).
	bits := binary.BigEndian.Uint64(sum[:8]) >> 11
	return float64(bits) / (1 << 53)
}
