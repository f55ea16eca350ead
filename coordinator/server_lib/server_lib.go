// Package server_lib implements the Coordinator gRPC service: it owns communicators and performs
// the collective operations their members submit.
package server_lib

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/collective/local"
	"github.com/Ian2x/gradsync/coordinator/rpc"
	"github.com/Ian2x/gradsync/metrics"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// DefaultHeartbeatTimeout after which a member is no longer reported live.
const DefaultHeartbeatTimeout = 5 * time.Second

// CoordinatorServer implements the Coordinator service.
type CoordinatorServer struct {
	// Communicators by CommID, and CommIDs by group key.
	Communicators map[uint64]*communicator
	CommIDsByKey  map[string]uint64

	NextCommID uint64

	HeartbeatTimeout time.Duration
	Metrics          *metrics.Metrics

	Mu sync.Mutex
}

var _ rpc.CoordinatorServer = (*CoordinatorServer)(nil)

// communicator is one group. Collective operations are performed by an in-process group whose
// members act on behalf of the remote ranks.
type communicator struct {
	commID  uint64
	key     string
	members []*local.Member

	joined   map[int]bool
	left     map[int]bool
	lastSeen map[int]time.Time
	pending  int
	status   rpc.Status
}

// MakeCoordinatorServer creates a server with no communicators.
func MakeCoordinatorServer(m *metrics.Metrics) *CoordinatorServer {
	return &CoordinatorServer{
		Communicators:    make(map[uint64]*communicator),
		CommIDsByKey:     make(map[string]uint64),
		NextCommID:       1,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		Metrics:          m,
	}
}

// getComm returns the communicator. Must be called with s.Mu held.
func (s *CoordinatorServer) getComm(commID uint64) (*communicator, error) {
	comm, exists := s.Communicators[commID]
	if !exists {
		return nil, status.Errorf(codes.NotFound, "communicator %d not found", commID)
	}
	return comm, nil
}

func checkRank(comm *communicator, rank int) error {
	if rank < 0 || rank >= len(comm.members) {
		return status.Errorf(codes.InvalidArgument, "rank %d out of range for communicator %d of size %d",
			rank, comm.commID, len(comm.members))
	}
	return nil
}

// CommInit returns the communicator of the given key, creating it on first call.
func (s *CoordinatorServer) CommInit(ctx context.Context, req *rpc.CommInitRequest) (*rpc.CommInitResponse, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if req.Size <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "need > 0 members in communicator, got %d", req.Size)
	}
	if commID, found := s.CommIDsByKey[req.Key]; found {
		comm := s.Communicators[commID]
		if len(comm.members) != req.Size {
			return nil, status.Errorf(codes.FailedPrecondition,
				"communicator %q already exists with size %d, requested size %d", req.Key, len(comm.members), req.Size)
		}
		return &rpc.CommInitResponse{CommID: commID, Size: req.Size}, nil
	}

	members, err := local.NewGroup(req.Size)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	commID := s.NextCommID
	s.NextCommID++
	s.Communicators[commID] = &communicator{
		commID:   commID,
		key:      req.Key,
		members:  members,
		joined:   make(map[int]bool),
		left:     make(map[int]bool),
		lastSeen: make(map[int]time.Time),
		status:   rpc.StatusInProgress,
	}
	s.CommIDsByKey[req.Key] = commID
	klog.Infof("created communicator %d (%q) of size %d", commID, req.Key, req.Size)
	return &rpc.CommInitResponse{CommID: commID, Size: req.Size}, nil
}

// Join registers a member. Each rank joins once.
func (s *CoordinatorServer) Join(ctx context.Context, req *rpc.JoinRequest) (*rpc.JoinResponse, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	comm, err := s.getComm(req.CommID)
	if err != nil {
		return nil, err
	}
	if err := checkRank(comm, req.Rank); err != nil {
		return nil, err
	}
	if comm.joined[req.Rank] {
		return nil, status.Errorf(codes.AlreadyExists, "rank %d already joined communicator %d", req.Rank, req.CommID)
	}
	comm.joined[req.Rank] = true
	comm.lastSeen[req.Rank] = time.Now()
	if len(comm.joined) == len(comm.members) && comm.status == rpc.StatusInProgress {
		comm.status = rpc.StatusSuccess
		klog.Infof("communicator %d: all %d members joined", comm.commID, len(comm.members))
	}
	return &rpc.JoinResponse{Status: comm.status}, nil
}

// Heartbeat records that a member is alive.
func (s *CoordinatorServer) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	comm, err := s.getComm(req.CommID)
	if err != nil {
		return nil, err
	}
	if err := checkRank(comm, req.Rank); err != nil {
		return nil, err
	}
	comm.lastSeen[req.Rank] = time.Now()
	return &rpc.HeartbeatResponse{Status: comm.status}, nil
}

// GetCommStatus reports the state of a communicator.
func (s *CoordinatorServer) GetCommStatus(ctx context.Context, req *rpc.GetCommStatusRequest) (*rpc.GetCommStatusResponse, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	comm, err := s.getComm(req.CommID)
	if err != nil {
		return nil, err
	}
	resp := &rpc.GetCommStatusResponse{
		Status:  comm.status,
		Size:    len(comm.members),
		Pending: comm.pending,
		Joined:  []int{},
		Live:    []int{},
	}
	now := time.Now()
	for rank := range comm.members {
		if !comm.joined[rank] {
			continue
		}
		resp.Joined = append(resp.Joined, rank)
		if !comm.left[rank] && now.Sub(comm.lastSeen[rank]) <= s.HeartbeatTimeout {
			resp.Live = append(resp.Live, rank)
		}
	}
	return resp, nil
}

// CommDestroy removes a member. The communicator is deleted once every member that joined left.
func (s *CoordinatorServer) CommDestroy(ctx context.Context, req *rpc.CommDestroyRequest) (*rpc.CommDestroyResponse, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	comm, err := s.getComm(req.CommID)
	if err != nil {
		return nil, err
	}
	if err := checkRank(comm, req.Rank); err != nil {
		return nil, err
	}
	comm.left[req.Rank] = true
	_ = comm.members[req.Rank].Close()
	for rank := range comm.joined {
		if !comm.left[rank] {
			return &rpc.CommDestroyResponse{Success: true}, nil
		}
	}
	delete(s.Communicators, comm.commID)
	if s.CommIDsByKey[comm.key] == comm.commID {
		delete(s.CommIDsByKey, comm.key)
	}
	klog.Infof("communicator %d (%q) destroyed", comm.commID, comm.key)
	return &rpc.CommDestroyResponse{Success: true}, nil
}

// Allreduce blocks until every member submitted its tensor under req.Name, and returns the
// reduction to all of them.
func (s *CoordinatorServer) Allreduce(ctx context.Context, req *rpc.CollectiveRequest) (*rpc.CollectiveResponse, error) {
	op, err := collective.ParseReduceOp(req.Op)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.execute(ctx, "allreduce", req, func(m *local.Member, t *tensor.Dense) (*tensor.Dense, error) {
		return m.AllreduceDense(ctx, t, req.Name, op)
	})
}

// Allgather blocks until every member submitted its tensor under req.Name, and returns their
// concatenation in rank order.
func (s *CoordinatorServer) Allgather(ctx context.Context, req *rpc.CollectiveRequest) (*rpc.CollectiveResponse, error) {
	return s.execute(ctx, "allgather", req, func(m *local.Member, t *tensor.Dense) (*tensor.Dense, error) {
		return m.Allgather(ctx, t, req.Name)
	})
}

// Broadcast blocks until every member submitted its tensor under req.Name, and returns the root's.
func (s *CoordinatorServer) Broadcast(ctx context.Context, req *rpc.CollectiveRequest) (*rpc.CollectiveResponse, error) {
	if req.Root < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "broadcast %q: invalid root rank %d", req.Name, req.Root)
	}
	return s.execute(ctx, "broadcast", req, func(m *local.Member, t *tensor.Dense) (*tensor.Dense, error) {
		if req.Root >= m.Size() {
			return nil, status.Errorf(codes.InvalidArgument, "broadcast %q: root rank %d out of range for size %d",
				req.Name, req.Root, m.Size())
		}
		return m.Broadcast(ctx, t, req.Root, req.Name)
	})
}

func (s *CoordinatorServer) execute(ctx context.Context, opType string, req *rpc.CollectiveRequest,
	run func(m *local.Member, t *tensor.Dense) (*tensor.Dense, error)) (*rpc.CollectiveResponse, error) {
	t, err := collective.FromWire(req.Tensor)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s %q: %v", opType, req.Name, err)
	}

	s.Mu.Lock()
	comm, err := s.getComm(req.CommID)
	if err == nil {
		err = checkRank(comm, req.Rank)
	}
	if err == nil && !comm.joined[req.Rank] {
		err = status.Errorf(codes.FailedPrecondition, "rank %d did not join communicator %d", req.Rank, req.CommID)
	}
	if err != nil {
		s.Mu.Unlock()
		return nil, err
	}
	member := comm.members[req.Rank]
	comm.lastSeen[req.Rank] = time.Now()
	comm.pending++
	s.Mu.Unlock()
	s.Metrics.AddPending(1)

	klog.V(2).Infof("communicator %d: rank %d submitted %s %q %v", comm.commID, req.Rank, opType, req.Name, t.Shape)
	result, err := run(member, t)

	s.Mu.Lock()
	comm.pending--
	if err != nil && ctx.Err() == nil {
		comm.status = rpc.StatusFailed
	}
	s.Mu.Unlock()
	s.Metrics.AddPending(-1)
	s.Metrics.CountCollective(opType, err)

	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &rpc.CollectiveResponse{Tensor: collective.ToWire(result)}, nil
}

// toStatus converts collective errors to gRPC status errors.
func toStatus(ctx context.Context, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case ctx.Err() != nil:
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, collective.ErrShapeMismatch), errors.Is(err, collective.ErrOpMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, collective.ErrGroupClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// CommIDs returns the ids of the existing communicators, sorted.
func (s *CoordinatorServer) CommIDs() []uint64 {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	ids := make([]uint64, 0, len(s.Communicators))
	for id := range s.Communicators {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
