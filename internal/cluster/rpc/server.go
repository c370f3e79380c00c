package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-alloc/internal/cluster/local"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

const watcherBuffer = 1024

// Manager 服務端包裝的叢集管理器
type Manager interface {
	RequestTotalExecutors(ctx context.Context, hints types.LocalityHints, targets map[types.ResourceClassID]int) (bool, error)
	KillExecutors(ctx context.Context, ids []types.ExecutorID, opts types.KillOptions) ([]types.ExecutorID, error)
}

// StageSubmitter 管理器端的 driver
type StageSubmitter interface {
	SubmitStage(class types.ResourceClassID, numTasks int, prefs [][]string) (types.StageAttempt, error)
}

// Server implements ClusterManagerServer on top of a Manager.
//
// It is also an event listener: subscribe it to the manager-side bus and every
// event is fanned out to the connected WatchEvents streams.
type Server struct {
	manager Manager
	driver  StageSubmitter
	log     *slog.Logger

	mu       sync.RWMutex
	watchers map[int]chan types.Event
	nextID   int
	dropped  atomic.Int64
}

// NewServer 建立服務端；driver 可為 nil，此時 SubmitStage 返回 Unimplemented
func NewServer(manager Manager, driver StageSubmitter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		manager:  manager,
		driver:   driver,
		log:      log,
		watchers: make(map[int]chan types.Event),
	}
}

// RequestTotalExecutors handles the target sync RPC.
func (s *Server) RequestTotalExecutors(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req requestTotalRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ok, err := s.manager.RequestTotalExecutors(ctx, req.Hints, req.Targets)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(requestTotalResponse{Acknowledged: ok})
}

// KillExecutors handles the kill RPC.
func (s *Server) KillExecutors(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req killRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	killed, err := s.manager.KillExecutors(ctx, req.IDs, req.Options)
	if err != nil {
		return nil, toStatus(err)
	}
	if killed == nil {
		killed = []types.ExecutorID{}
	}
	return toStruct(killResponse{Killed: killed})
}

// SubmitStage handles the stage submission RPC.
func (s *Server) SubmitStage(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.driver == nil {
		return nil, status.Error(codes.Unimplemented, "no driver attached to this manager")
	}
	var req submitStageRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.NumTasks <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "num_tasks must be positive, got %d", req.NumTasks)
	}

	attempt, err := s.driver.SubmitStage(req.ResourceClass, req.NumTasks, req.LocalityPrefs)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(submitStageResponse{Attempt: attempt})
}

// WatchEvents streams manager-side events until the client goes away.
func (s *Server) WatchEvents(_ *structpb.Struct, stream grpc.ServerStream) error {
	id, ch := s.addWatcher()
	defer s.removeWatcher(id)

	s.log.Info("Event watcher connected", "watcher", id)
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Event watcher disconnected", "watcher", id)
			return nil
		case ev := <-ch:
			msg, err := encodeEvent(ev)
			if err != nil {
				s.log.Error("Failed to encode event", "type", ev.Type(), "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// OnEvent fans an event out to every watcher. A slow watcher loses events.
func (s *Server) OnEvent(ev types.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			if s.dropped.Inc()%1000 == 1 {
				s.log.Warn("Watcher too slow, dropping events", "watcher", id, "dropped", s.dropped.Load())
			}
		}
	}
}

// Watchers 目前連線的 watcher 數
func (s *Server) Watchers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

func (s *Server) addWatcher() (int, chan types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan types.Event, watcherBuffer)
	s.watchers[id] = ch
	return id, ch
}

func (s *Server) removeWatcher(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, id)
}

// toStatus 將管理器錯誤映射為 gRPC 狀態碼
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, local.ErrClusterStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, local.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
