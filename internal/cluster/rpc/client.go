package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// Publisher 接收遠端轉發的事件，eventbus.Bus 實作此介面
type Publisher interface {
	Post(ev types.Event) bool
}

// Client talks to a remote ClusterManager. It satisfies controller.ClusterClient.
type Client struct {
	conn grpc.ClientConnInterface
	log  *slog.Logger
}

// NewClient creates a Client over an established connection.
func NewClient(conn grpc.ClientConnInterface, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{conn: conn, log: log}
}

// Dial opens an insecure connection to addr; extra options are appended.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial cluster manager %s: %w", addr, err)
	}
	return conn, nil
}

// RequestTotalExecutors syncs targets with the remote manager.
func (c *Client) RequestTotalExecutors(ctx context.Context, hints types.LocalityHints, targets map[types.ResourceClassID]int) (bool, error) {
	var resp requestTotalResponse
	if err := c.invoke(ctx, methodRequestTotal, requestTotalRequest{Targets: targets, Hints: hints}, &resp); err != nil {
		return false, fmt.Errorf("rpc request total executors: %w", err)
	}
	return resp.Acknowledged, nil
}

// KillExecutors asks the remote manager to kill executors.
func (c *Client) KillExecutors(ctx context.Context, ids []types.ExecutorID, opts types.KillOptions) ([]types.ExecutorID, error) {
	var resp killResponse
	if err := c.invoke(ctx, methodKill, killRequest{IDs: ids, Options: opts}, &resp); err != nil {
		return nil, fmt.Errorf("rpc kill executors: %w", err)
	}
	return resp.Killed, nil
}

// SubmitStage submits a stage to the driver running next to the remote manager.
func (c *Client) SubmitStage(ctx context.Context, class types.ResourceClassID, numTasks int, prefs [][]string) (types.StageAttempt, error) {
	var resp submitStageResponse
	req := submitStageRequest{ResourceClass: class, NumTasks: numTasks, LocalityPrefs: prefs}
	if err := c.invoke(ctx, methodSubmitStage, req, &resp); err != nil {
		return types.StageAttempt{}, fmt.Errorf("rpc submit stage: %w", err)
	}
	return resp.Attempt, nil
}

// WatchEvents posts every remote event to pub until ctx is cancelled or the
// server closes the stream.
func (c *Client) WatchEvents(ctx context.Context, pub Publisher) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], methodWatchEvents)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return fmt.Errorf("start event stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close event stream send side: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive event: %w", err)
		}
		ev, err := decodeEvent(msg)
		if err != nil {
			c.log.Warn("Dropping undecodable event", "error", err)
			continue
		}
		pub.Post(ev)
	}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}
