// Package vtctx models process identity: this rank's position within the
// job and the communicator handle it was constructed over. Every other
// subsystem reads its node identity and job size from here.
package vtctx

// Node is a rank identifier within a communicator.
type Node int32

// Comm is an opaque communicator/group handle, as produced by a
// transport's GroupFromRanks/CommCreateGroup. The zero value denotes the
// world communicator.
type Comm uint64

// WorldComm is the communicator handle denoting every rank in the job.
const WorldComm Comm = 0

// Context is this process's identity within a communicator.
type Context struct {
	node Node
	size int
	comm Comm
}

// New constructs a Context for the given rank/size pair over comm.
func New(node Node, size int, comm Comm) *Context {
	if size <= 0 {
		panic("vtctx: size must be positive")
	}
	if node < 0 || int(node) >= size {
		panic("vtctx: node out of range for size")
	}
	return &Context{node: node, size: size, comm: comm}
}

// Node returns this rank's identifier.
func (c *Context) Node() Node { return c.node }

// Size returns the number of ranks in this Context's communicator.
func (c *Context) Size() int { return c.size }

// Comm returns the communicator handle this Context was constructed over.
func (c *Context) Comm() Comm { return c.comm }

// IsValidNode reports whether n names an addressable rank in this job.
func (c *Context) IsValidNode(n Node) bool {
	return n >= 0 && int(n) < c.size
}
