// ============================================================================
// Beaver-Alloc 叢集管理器 RPC - 服務描述
// ============================================================================
//
// Package: internal/cluster/rpc
// 文件: service.go
// 功能: ClusterManager gRPC 服務定義
//
// 訊息格式:
//   所有請求與回應都是 google.protobuf.Struct，欄位以 JSON 名稱表示
//   服務描述手寫，不需要 protoc 產生的程式碼
//
// 方法:
//   - RequestTotalExecutors (unary)   同步每個類別的目標與本地性提示
//   - KillExecutors         (unary)   終止執行器
//   - SubmitStage           (unary)   在管理器端的 driver 提交階段
//   - WatchEvents           (server stream) 轉發管理器端的工作負載事件
//
// ============================================================================

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "beaver.alloc.v1.ClusterManager"

const (
	methodRequestTotal = "/" + serviceName + "/RequestTotalExecutors"
	methodKill         = "/" + serviceName + "/KillExecutors"
	methodSubmitStage  = "/" + serviceName + "/SubmitStage"
	methodWatchEvents  = "/" + serviceName + "/WatchEvents"
)

// ClusterManagerServer 服務端介面
type ClusterManagerServer interface {
	RequestTotalExecutors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	KillExecutors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitStage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

// RegisterClusterManagerServer 將服務註冊到 gRPC server
func RegisterClusterManagerServer(s grpc.ServiceRegistrar, srv ClusterManagerServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClusterManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestTotalExecutors",
			Handler: unaryHandler(methodRequestTotal, func(srv ClusterManagerServer) unaryFunc {
				return srv.RequestTotalExecutors
			}),
		},
		{
			MethodName: "KillExecutors",
			Handler: unaryHandler(methodKill, func(srv ClusterManagerServer) unaryFunc {
				return srv.KillExecutors
			}),
		},
		{
			MethodName: "SubmitStage",
			Handler: unaryHandler(methodSubmitStage, func(srv ClusterManagerServer) unaryFunc {
				return srv.SubmitStage
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "beaver/alloc/v1/cluster_manager.proto",
}

type unaryFunc func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, pick func(ClusterManagerServer) unaryFunc) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := pick(srv.(ClusterManagerServer))
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ClusterManagerServer).WatchEvents(in, stream)
}
