package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/beaver-alloc/internal/cluster/local"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

type fakeManager struct {
	mu      sync.Mutex
	ack     bool
	err     error
	hints   types.LocalityHints
	targets map[types.ResourceClassID]int
	killIDs []types.ExecutorID
	killOpt types.KillOptions
}

func (m *fakeManager) RequestTotalExecutors(_ context.Context, hints types.LocalityHints, targets map[types.ResourceClassID]int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints = hints
	m.targets = targets
	return m.ack, m.err
}

func (m *fakeManager) KillExecutors(_ context.Context, ids []types.ExecutorID, opts types.KillOptions) ([]types.ExecutorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killIDs = ids
	m.killOpt = opts
	if m.err != nil {
		return nil, m.err
	}
	return ids[:1], nil
}

type fakeDriver struct {
	class types.ResourceClassID
	n     int
}

func (d *fakeDriver) SubmitStage(class types.ResourceClassID, numTasks int, _ [][]string) (types.StageAttempt, error) {
	d.class, d.n = class, numTasks
	return types.StageAttempt{StageID: 7}, nil
}

type chanPublisher chan types.Event

func (p chanPublisher) Post(ev types.Event) bool {
	p <- ev
	return true
}

// startServer 在 bufconn 上啟動服務並返回連到它的客戶端
func startServer(t *testing.T, srv *Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterClusterManagerServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
	})
	return NewClient(conn, nil)
}

func TestRequestTotalExecutorsRoundTrip(t *testing.T) {
	mgr := &fakeManager{ack: true}
	client := startServer(t, NewServer(mgr, nil, nil))

	hints := types.LocalityHints{"gpu": {LocalityAwareTasks: 2, HostToLocalTaskCount: map[string]int{"h1": 2}}}
	targets := map[types.ResourceClassID]int{types.DefaultResourceClass: 3, "gpu": 1}

	ok, err := client.RequestTotalExecutors(context.Background(), hints, targets)
	require.NoError(t, err)
	assert.True(t, ok)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	assert.Equal(t, targets, mgr.targets)
	assert.Equal(t, hints, mgr.hints)
}

func TestRequestTotalExecutorsNotAcknowledged(t *testing.T) {
	client := startServer(t, NewServer(&fakeManager{ack: false}, nil, nil))

	ok, err := client.RequestTotalExecutors(context.Background(), nil, map[types.ResourceClassID]int{types.DefaultResourceClass: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKillExecutorsRoundTrip(t *testing.T) {
	mgr := &fakeManager{}
	client := startServer(t, NewServer(mgr, nil, nil))

	killed, err := client.KillExecutors(context.Background(), []types.ExecutorID{"e1", "e2"}, types.KillOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []types.ExecutorID{"e1"}, killed)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	assert.Equal(t, []types.ExecutorID{"e1", "e2"}, mgr.killIDs)
	assert.Equal(t, types.KillOptions{Force: true}, mgr.killOpt)
}

func TestManagerErrorsMapToStatus(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"stopped", local.ErrClusterStopped, codes.Unavailable},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"other", assert.AnError, codes.Internal},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := startServer(t, NewServer(&fakeManager{err: tc.err}, nil, nil))

			_, err := client.RequestTotalExecutors(context.Background(), nil, nil)
			require.Error(t, err)
			assert.Equal(t, tc.code, status.Code(err))

			_, err = client.KillExecutors(context.Background(), []types.ExecutorID{"e1"}, types.KillOptions{})
			require.Error(t, err)
			assert.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestSubmitStage(t *testing.T) {
	drv := &fakeDriver{}
	client := startServer(t, NewServer(&fakeManager{}, drv, nil))

	attempt, err := client.SubmitStage(context.Background(), "gpu", 4, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StageAttempt{StageID: 7}, attempt)
	assert.Equal(t, types.ResourceClassID("gpu"), drv.class)
	assert.Equal(t, 4, drv.n)

	_, err = client.SubmitStage(context.Background(), "gpu", 0, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSubmitStageWithoutDriver(t *testing.T) {
	client := startServer(t, NewServer(&fakeManager{}, nil, nil))

	_, err := client.SubmitStage(context.Background(), "", 1, nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestWatchEventsForwardsEvents(t *testing.T) {
	srv := NewServer(&fakeManager{}, nil, nil)
	client := startServer(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chanPublisher, 10)
	done := make(chan error, 1)
	go func() { done <- client.WatchEvents(ctx, events) }()

	require.Eventually(t, func() bool { return srv.Watchers() == 1 }, 5*time.Second, 10*time.Millisecond)

	attempt := types.StageAttempt{StageID: 1}
	srv.OnEvent(types.StageSubmitted{Attempt: attempt, NumTasks: 2, ResourceClass: types.DefaultResourceClass})
	srv.OnEvent(types.TaskEnd{Attempt: attempt, TaskIndex: 1, Reason: types.TaskFailed, ExecutorID: "e1"})

	select {
	case ev := <-events:
		assert.Equal(t, types.StageSubmitted{Attempt: attempt, NumTasks: 2, ResourceClass: types.DefaultResourceClass}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	select {
	case ev := <-events:
		assert.Equal(t, types.TaskEnd{Attempt: attempt, TaskIndex: 1, Reason: types.TaskFailed, ExecutorID: "e1"}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
	require.Eventually(t, func() bool { return srv.Watchers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEventCodec(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	attempt := types.StageAttempt{StageID: 3, Attempt: 1}
	events := []types.Event{
		types.StageSubmitted{Attempt: attempt, NumTasks: 2, ResourceClass: "gpu", LocalityPrefs: [][]string{{"h1"}, {}}},
		types.StageCompleted{Attempt: attempt},
		types.TaskStart{Attempt: attempt, TaskIndex: 1, Speculative: true, ExecutorID: "e1"},
		types.SpeculativeTaskSubmitted{Attempt: attempt, TaskIndex: 1},
		types.ExecutorAdded{ExecutorID: "e1", ResourceClass: "gpu", Host: "h1", Time: at},
		types.ExecutorRemoved{ExecutorID: "e1", Reason: "idle", Time: at},
	}
	for _, ev := range events {
		msg, err := encodeEvent(ev)
		require.NoError(t, err)
		got, err := decodeEvent(msg)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	msg, err := toStruct(map[string]interface{}{"type": "bogus", "event": map[string]interface{}{}})
	require.NoError(t, err)

	_, err = decodeEvent(msg)
	assert.ErrorIs(t, err, errUnknownEvent)
}
