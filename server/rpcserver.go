// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.


package server

import (
	"context"
	"net"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/metrics"
	"github.com/cubefs/mdcache/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// MDSServer is the client facing surface of the metadata service.
type MDSServer interface {
	Mkdir(ctx context.Context, req *proto.MkdirRequest) (*proto.InodeResponse, error)
	Create(ctx context.Context, req *proto.CreateRequest) (*proto.InodeResponse, error)
	Link(ctx context.Context, req *proto.LinkRequest) (*proto.InodeResponse, error)
	Unlink(ctx context.Context, req *proto.UnlinkRequest) (*proto.EmptyResponse, error)
	Rename(ctx context.Context, req *proto.RenameRequest) (*proto.EmptyResponse, error)
	Lookup(ctx context.Context, req *proto.LookupRequest) (*proto.InodeResponse, error)
	Open(ctx context.Context, req *proto.OpenRequest) (*proto.OpenResponse, error)
	Release(ctx context.Context, req *proto.ReleaseRequest) (*proto.EmptyResponse, error)
}

type RPCServer struct {
	*Server
	grpcServer *grpc.Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			metrics.GRPCMetrics.UnaryServerInterceptor(),
			rs.unaryInterceptorWithTracer,
			unaryInterceptorWithStatus,
		),
	)
	s.RegisterService(&mdsServiceDesc, rs)
	metrics.GRPCMetrics.InitializeMetrics(s)
	rs.grpcServer = s
	return rs
}

func (r *RPCServer) Serve(addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s failed: %s", addr, err)
	}
	r.ServeListener(lis)
	log.Info("grpc server is running at:", addr)
}

// ServeListener serves on an already bound listener.
func (r *RPCServer) ServeListener(lis net.Listener) {
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Fatal("grpc server exits:", err)
		}
	}()
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

func (r *RPCServer) Mkdir(ctx context.Context, req *proto.MkdirRequest) (*proto.InodeResponse, error) {
	resp, err := r.execute(ctx, "mkdir", req.ReqID, req)
	if err != nil {
		return nil, err
	}
	return resp.(*proto.InodeResponse), nil
}

func (r *RPCServer) Create(ctx context.Context, req *proto.CreateRequest) (*proto.InodeResponse, error) {
	resp, err := r.execute(ctx, "create", req.ReqID, req)
	if err != nil {
		return nil, err
	}
	return resp.(*proto.InodeResponse), nil
}

func (r *RPCServer) Link(ctx context.Context, req *proto.LinkRequest) (*proto.InodeResponse, error) {
	resp, err := r.execute(ctx, "link", req.ReqID, req)
	if err != nil {
		return nil, err
	}
	return resp.(*proto.InodeResponse), nil
}

func (r *RPCServer) Unlink(ctx context.Context, req *proto.UnlinkRequest) (*proto.EmptyResponse, error) {
	op := "unlink"
	if req.Dir {
		op = "rmdir"
	}
	if _, err := r.execute(ctx, op, req.ReqID, req); err != nil {
		return nil, err
	}
	return &proto.EmptyResponse{}, nil
}

func (r *RPCServer) Rename(ctx context.Context, req *proto.RenameRequest) (*proto.EmptyResponse, error) {
	if _, err := r.execute(ctx, "rename", req.ReqID, req); err != nil {
		return nil, err
	}
	return &proto.EmptyResponse{}, nil
}

func (r *RPCServer) Lookup(ctx context.Context, req *proto.LookupRequest) (*proto.InodeResponse, error) {
	resp, err := r.execute(ctx, "lookup", proto.ReqID{}, req)
	if err != nil {
		return nil, err
	}
	return resp.(*proto.InodeResponse), nil
}

func (r *RPCServer) Open(ctx context.Context, req *proto.OpenRequest) (*proto.OpenResponse, error) {
	resp, err := r.execute(ctx, "open", req.ReqID, req)
	if err != nil {
		return nil, err
	}
	return resp.(*proto.OpenResponse), nil
}

func (r *RPCServer) Release(ctx context.Context, req *proto.ReleaseRequest) (*proto.EmptyResponse, error) {
	if _, err := r.execute(ctx, "release", req.ReqID, req); err != nil {
		return nil, err
	}
	return &proto.EmptyResponse{}, nil
}

// util function

func (r *RPCServer) unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	var span trace.Span
	md, _ := metadata.FromIncomingContext(ctx)
	if reqID := md.Get(proto.ReqIdKey); len(reqID) > 0 {
		span, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, reqID[0])
	} else {
		span, ctx = trace.StartSpanFromContext(ctx, info.FullMethod)
	}

	resp, err = handler(ctx, req)
	if err != nil {
		span.Debugf("%s failed: %s", info.FullMethod, errors.Detail(err))
	}
	return
}

func unaryInterceptorWithStatus(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, apierrors.ToStatus(err)
	}
	return resp, nil
}

func methodHandler(newReq func() interface{}, call func(srv MDSServer, ctx context.Context, req interface{}) (interface{}, error), method string) grpc.MethodDesc {
	fullMethod := "/" + proto.ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MDSServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(MDSServer), ctx, req)
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var mdsServiceDesc = grpc.ServiceDesc{
	ServiceName: proto.ServiceName,
	HandlerType: (*MDSServer)(nil),
	Methods: []grpc.MethodDesc{
		methodHandler(func() interface{} { return new(proto.MkdirRequest) },
			func(srv MDSServer, ctx context.Context, req interface{}) (interface{}, error) {
				return srv.Mkdir(ctx, req.(*proto.MkdirRequest))
			}, "Mkdir"),
		methodHandler(func() interface{} { return new(proto.CreateRequest) },
			func(srv MDSServer, ctx context.Context, req interface{}) (interface{}, error) {
				return srv.Create(ctx, req.(*proto.CreateRequest))
			}, "Create"),
		methodHandler(func() interface{} { return new(proto.LinkRequest) },
			func(srv MDSServer, ctx context.Context, req interface{}) (interface{}, error) {
				return srv.Link(ctx, req.(*proto.LinkRequest))
			}, "Link"),
		methodHandler(func() interface{} { return new(proto.UnlinkRequest) },
			func(srv MDSServer, ctx context.Context, req interface{}) (interface{}, error) {
				return srv.Unlink(ctx, req.(*proto.UnlinkRequest))
			}, "Unlink"),
		methodHandler(func() interface{} { return new(proto.RenameRequest) },
			func(srv MDSServer, ctx context.Context, req interface{}) (interface{}, error) {
				return srv.Rename(ctx, req.(*proto.RenameRequest))
			}, "Rename"),
		methodHandler(func() interface{} { return new(proto.LookupRequest) },
			func(srv MDSServer, ctx context.Context, req interface{}) (interface{}, error) {
				return srv.Lookup(ctx, req.(*proto.LookupRequest))
			}, "Lookup"),
		methodHandler(func() interface{} { return new(proto.OpenRequest) },
			func(srv MDSServer, ctx context.Context, req interface{}) (interface{}, error) {
				return srv.Open(ctx, req.(*proto.OpenRequest))
			}, "Open"),
		methodHandler(func() interface{} { return new(proto.ReleaseRequest) },
			func(srv MDSServer, ctx context.Context, req interface{}) (interface{}, error) {
				return srv.Release(ctx, req.(*proto.ReleaseRequest))
			}, "Release"),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mdcache/mds",
}
