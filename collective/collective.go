// Package collective defines what gradsync requires from a collective-communication layer,
// and the helpers built on top of it: compressed and sparse allreduce, and the process-wide
// communication Group.
//
// Every operation is a group-wide barrier: it blocks until all members issued the matching call
// (same name, same shape). A missing or mismatched call stalls or fails the whole group.
package collective

import (
	"context"
	"fmt"

	"github.com/Ian2x/gradsync/tensor"
	"github.com/Ian2x/gradsync/util"
	"github.com/pkg/errors"
)

// Communicator is one member's handle on a communication group.
// Implementations are in the sub-packages local and redisgroup, and in coordinator/client.
type Communicator interface {
	// Rank of this member, in [0, Size()).
	Rank() int

	// Size of the group.
	Size() int

	// AllreduceDense combines the tensor contributed by every member with op, and returns the
	// result to all of them.
	AllreduceDense(ctx context.Context, t *tensor.Dense, name string, op ReduceOp) (*tensor.Dense, error)

	// Allgather concatenates every member's tensor along the first dimension, in rank order.
	Allgather(ctx context.Context, t *tensor.Dense, name string) (*tensor.Dense, error)

	// Broadcast returns the root's tensor to every member.
	Broadcast(ctx context.Context, t *tensor.Dense, root int, name string) (*tensor.Dense, error)

	// Close releases the member's resources. It doesn't tear down the group for the others.
	Close() error
}

// ReduceOp is the element-wise operation used by AllreduceDense.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Prod
	Min
	Max
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "SUM"
	case Prod:
		return "PROD"
	case Min:
		return "MIN"
	case Max:
		return "MAX"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

// ParseReduceOp is the inverse of ReduceOp.String.
func ParseReduceOp(s string) (ReduceOp, error) {
	switch s {
	case "SUM":
		return Sum, nil
	case "PROD":
		return Prod, nil
	case "MIN":
		return Min, nil
	case "MAX":
		return Max, nil
	}
	return 0, errors.Errorf("invalid reduce op %q", s)
}

// Fn returns the element-wise implementation of op.
func (op ReduceOp) Fn() (util.ReduceFn, error) {
	switch op {
	case Sum:
		return util.AddFloat64Slices, nil
	case Prod:
		return util.MultiplyFloat64Slices, nil
	case Min:
		return util.MinFloat64Slices, nil
	case Max:
		return util.MaxFloat64Slices, nil
	}
	return nil, errors.Errorf("invalid reduce op %s", op)
}

var (
	// ErrShapeMismatch is returned to every member when the tensors submitted under one name disagree.
	ErrShapeMismatch = errors.New("collective operation with mismatched shapes")

	// ErrOpMismatch is returned when members issued different operations under the same name.
	ErrOpMismatch = errors.New("collective operation with mismatched op types")

	// ErrGroupClosed is returned by operations on a closed member or group.
	ErrGroupClosed = errors.New("communication group is closed")
)

// ReduceAll applies op over the contributions, ordered by rank. Used by the back-ends once
// every member submitted.
func ReduceAll(contributions []*tensor.Dense, op ReduceOp) (*tensor.Dense, error) {
	if len(contributions) == 0 {
		return nil, errors.New("ReduceAll requires at least one contribution")
	}
	fn, err := op.Fn()
	if err != nil {
		return nil, err
	}
	if err := CheckSameShape(contributions); err != nil {
		return nil, err
	}
	acc := contributions[0].Clone()
	for _, c := range contributions[1:] {
		acc.Data, err = fn(acc.Data, c.Data)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// CheckSameShape returns a *util.RankError wrapping ErrShapeMismatch, naming the first rank
// whose contribution disagrees with rank 0.
func CheckSameShape(contributions []*tensor.Dense) error {
	for i, c := range contributions[1:] {
		if !c.SameShape(contributions[0]) {
			return util.RankErrorf(i+1, ErrShapeMismatch, "shape %v differs from rank 0 shape %v",
				c.Shape, contributions[0].Shape)
		}
	}
	return nil
}

// Gather concatenates the contributions in rank order.
func Gather(contributions []*tensor.Dense) (*tensor.Dense, error) {
	out, err := tensor.Concat(contributions...)
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	return out, nil
}
