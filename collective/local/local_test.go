package local

import (
	"context"
	"testing"
	"time"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/Ian2x/gradsync/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runAll runs fn once per member, concurrently, and returns the per-rank results.
func runAll(t *testing.T, members []*Member, fn func(m *Member) (*tensor.Dense, error)) ([]*tensor.Dense, error) {
	t.Helper()
	results := make([]*tensor.Dense, len(members))
	var eg errgroup.Group
	for i, m := range members {
		eg.Go(func() error {
			out, err := fn(m)
			results[i] = out
			return err
		})
	}
	return results, eg.Wait()
}

func TestAllreduceDense(t *testing.T) {
	members, err := NewGroup(3)
	require.NoError(t, err)
	ctx := context.Background()

	for _, tc := range []struct {
		op   collective.ReduceOp
		want []float64
	}{
		{collective.Sum, []float64{6, 15}},
		{collective.Prod, []float64{6, 120}},
		{collective.Min, []float64{1, 4}},
		{collective.Max, []float64{3, 6}},
	} {
		results, err := runAll(t, members, func(m *Member) (*tensor.Dense, error) {
			r := float64(m.Rank())
			return m.AllreduceDense(ctx, tensor.FromSlice(1+r, 4+r), "grad", tc.op)
		})
		require.NoError(t, err, "op=%s", tc.op)
		for rank, got := range results {
			assert.Equal(t, tc.want, got.Data, "op=%s rank=%d", tc.op, rank)
		}
	}
}

func TestAllgather(t *testing.T) {
	members, err := NewGroup(3)
	require.NoError(t, err)
	results, err := runAll(t, members, func(m *Member) (*tensor.Dense, error) {
		// Rank r contributes r+1 rows of width 2.
		rows := m.Rank() + 1
		data := make([]float64, 2*rows)
		for i := range data {
			data[i] = float64(m.Rank())
		}
		in, err := tensor.NewDense([]int{rows, 2}, data)
		if err != nil {
			return nil, err
		}
		return m.Allgather(context.Background(), in, "gather")
	})
	require.NoError(t, err)
	for _, got := range results {
		assert.Equal(t, []int{6, 2}, got.Shape)
		assert.Equal(t, []float64{0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 2, 2}, got.Data)
	}
}

func TestBroadcast(t *testing.T) {
	members, err := NewGroup(4)
	require.NoError(t, err)
	results, err := runAll(t, members, func(m *Member) (*tensor.Dense, error) {
		return m.Broadcast(context.Background(), tensor.FromSlice(float64(m.Rank())), 2, "bcast")
	})
	require.NoError(t, err)
	for _, got := range results {
		assert.Equal(t, []float64{2}, got.Data)
	}

	_, err = members[0].Broadcast(context.Background(), tensor.FromSlice(1), 4, "bcast")
	require.Error(t, err)
}

func TestShapeMismatchFailsEveryMember(t *testing.T) {
	members, err := NewGroup(2)
	require.NoError(t, err)
	errs := make([]error, 2)
	var eg errgroup.Group
	for i, m := range members {
		eg.Go(func() error {
			in := tensor.Zeros(2 + i)
			_, errs[i] = m.AllreduceDense(context.Background(), in, "bad", collective.Sum)
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for _, err := range errs {
		require.ErrorIs(t, err, collective.ErrShapeMismatch)
		var rankErr *util.RankError
		require.ErrorAs(t, err, &rankErr)
		assert.Equal(t, 1, rankErr.Rank)
	}
}

func TestOpMismatch(t *testing.T) {
	members, err := NewGroup(2)
	require.NoError(t, err)
	errs := make([]error, 2)
	var eg errgroup.Group
	eg.Go(func() error {
		_, errs[0] = members[0].AllreduceDense(context.Background(), tensor.Zeros(1), "x", collective.Sum)
		return nil
	})
	eg.Go(func() error {
		_, errs[1] = members[1].Allgather(context.Background(), tensor.Zeros(1), "x")
		return nil
	})
	require.NoError(t, eg.Wait())
	for _, err := range errs {
		require.ErrorIs(t, err, collective.ErrOpMismatch)
	}
}

func TestMissingMemberTimesOut(t *testing.T) {
	members, err := NewGroup(2)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = members[0].AllreduceDense(ctx, tensor.Zeros(1), "lonely", collective.Sum)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedMember(t *testing.T) {
	members, err := NewGroup(1)
	require.NoError(t, err)
	require.NoError(t, members[0].Close())
	_, err = members[0].Allgather(context.Background(), tensor.Zeros(1), "x")
	require.ErrorIs(t, err, collective.ErrGroupClosed)
}

func TestRoundsCanReuseNames(t *testing.T) {
	members, err := NewGroup(2)
	require.NoError(t, err)
	for step := range 5 {
		results, err := runAll(t, members, func(m *Member) (*tensor.Dense, error) {
			return m.AllreduceDense(context.Background(), tensor.FromSlice(float64(step)), "same", collective.Sum)
		})
		require.NoError(t, err)
		assert.Equal(t, []float64{float64(2 * step)}, results[0].Data)
	}
}
