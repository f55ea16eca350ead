// Package client implements collective.Communicator on top of the coordinator service.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/coordinator/rpc"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
)

// DefaultHeartbeatInterval between two heartbeats sent to the coordinator.
const DefaultHeartbeatInterval = time.Second

// Client is one member of a communicator hosted by the coordinator.
type Client struct {
	conn   *grpc.ClientConn
	client *rpc.CoordinatorClient

	commID uint64
	rank   int
	size   int

	heartbeatInterval time.Duration
	dialOptions       []grpc.DialOption

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

var _ collective.Communicator = (*Client)(nil)

// Option configures a Client.
type Option func(c *Client)

// WithHeartbeatInterval sets the interval between heartbeats. Zero disables them.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = interval }
}

// WithDialOptions adds options to the gRPC connection. Connections use insecure credentials.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOptions = append(c.dialOptions, opts...) }
}

// Dial connects to the coordinator at target and joins communicator key as rank, out of size
// members.
func Dial(ctx context.Context, target, key string, rank, size int, opts ...Option) (*Client, error) {
	c := &Client{
		rank:              rank,
		size:              size,
		heartbeatInterval: DefaultHeartbeatInterval,
		stop:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	dialOptions := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.dialOptions...)
	conn, err := grpc.NewClient(target, dialOptions...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create gRPC client for coordinator %q", target)
	}
	c.conn = conn
	c.client = rpc.NewCoordinatorClient(conn)

	initResp, err := c.client.CommInit(ctx, &rpc.CommInitRequest{Key: key, Size: size})
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "CommInit(%q, %d) failed", key, size)
	}
	c.commID = initResp.CommID
	if _, err := c.client.Join(ctx, &rpc.JoinRequest{CommID: c.commID, Rank: rank}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "Join(%d, rank=%d) failed", c.commID, rank)
	}
	klog.Infof("joined communicator %d (%q) as rank %d of %d", c.commID, key, rank, size)

	if c.heartbeatInterval > 0 {
		c.wg.Add(1)
		go c.sendHeartbeats()
	}
	return c, nil
}

// CommID returns the id of the communicator at the coordinator.
func (c *Client) CommID() uint64 { return c.commID }

// Rank implements collective.Communicator.
func (c *Client) Rank() int { return c.rank }

// Size implements collective.Communicator.
func (c *Client) Size() int { return c.size }

// Status queries the coordinator for the state of the communicator.
func (c *Client) Status(ctx context.Context) (*rpc.GetCommStatusResponse, error) {
	return c.client.GetCommStatus(ctx, &rpc.GetCommStatusRequest{CommID: c.commID})
}

func (c *Client) sendHeartbeats() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatInterval)
		_, err := c.client.Heartbeat(ctx, &rpc.HeartbeatRequest{CommID: c.commID, Rank: c.rank})
		cancel()
		if err != nil {
			klog.Warningf("rank %d: heartbeat to coordinator failed: %v", c.rank, err)
		}
	}
}

func (c *Client) request(name string, t *tensor.Dense) (*rpc.CollectiveRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, collective.ErrGroupClosed
	}
	return &rpc.CollectiveRequest{CommID: c.commID, Rank: c.rank, Name: name, Tensor: collective.ToWire(t)}, nil
}

func (c *Client) result(resp *rpc.CollectiveResponse, err error, opType, name string) (*tensor.Dense, error) {
	if err != nil {
		return nil, errors.Wrapf(err, "%s %q failed", opType, name)
	}
	t, err := collective.FromWire(resp.Tensor)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s %q returned an invalid tensor", opType, name)
	}
	return t, nil
}

// AllreduceDense implements collective.Communicator.
func (c *Client) AllreduceDense(ctx context.Context, t *tensor.Dense, name string, op collective.ReduceOp) (*tensor.Dense, error) {
	req, err := c.request(name, t)
	if err != nil {
		return nil, err
	}
	req.Op = op.String()
	resp, err := c.client.Allreduce(ctx, req)
	return c.result(resp, err, "allreduce", name)
}

// Allgather implements collective.Communicator.
func (c *Client) Allgather(ctx context.Context, t *tensor.Dense, name string) (*tensor.Dense, error) {
	req, err := c.request(name, t)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Allgather(ctx, req)
	return c.result(resp, err, "allgather", name)
}

// Broadcast implements collective.Communicator.
func (c *Client) Broadcast(ctx context.Context, t *tensor.Dense, root int, name string) (*tensor.Dense, error) {
	req, err := c.request(name, t)
	if err != nil {
		return nil, err
	}
	req.Root = root
	resp, err := c.client.Broadcast(ctx, req)
	return c.result(resp, err, "broadcast", name)
}

// Close leaves the communicator and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.client.CommDestroy(ctx, &rpc.CommDestroyRequest{CommID: c.commID, Rank: c.rank})
	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to leave communicator %d", c.commID)
	}
	return nil
}
