package idem

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/xerrors"
)

const defaultMetadataKey = "x-idempotency-key"

// UnaryServerInterceptor 创建 gRPC 一元服务端拦截器
//
// 以完整方法名作为 operationType、请求的 proto 编码作为 requestPayload 调用 Begin。
// 成功的 proto 响应以 anypb 编码后 Complete，handler 返回错误时 Fail；
// Replay 解码缓存的响应返回，Conflict 返回 codes.Aborted。
//
//	s := grpc.NewServer(grpc.ChainUnaryInterceptor(coord.UnaryServerInterceptor()))
func (c *coordinator) UnaryServerInterceptor(opts ...InterceptorOption) grpc.UnaryServerInterceptor {
	opt := interceptorOptions{metadataKey: defaultMetadataKey}
	for _, o := range opts {
		o(&opt)
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		key := keyFromMetadata(ctx, opt.metadataKey)
		if key == "" {
			return handler(ctx, req)
		}

		var payload []byte
		if msg, ok := req.(proto.Message); ok {
			payload, _ = proto.Marshal(msg)
		}

		d, err := c.Begin(ctx, key, info.FullMethod, payload, opt.beginOpts...)
		if err != nil {
			c.logger.ErrorContext(ctx, "grpc idem begin failed",
				clog.String("key", key), clog.String("method", info.FullMethod), clog.Error(err))
			if xerrors.Is(err, ErrStoreUnavailable) {
				return nil, status.Error(codes.Unavailable, err.Error())
			}
			return nil, status.Error(codes.Internal, err.Error())
		}

		switch d.Outcome {
		case OutcomeReplay:
			if len(d.Response) == 0 {
				return nil, status.Error(codes.FailedPrecondition, "idempotent response is not replayable")
			}
			msg, err := decodeCachedGRPCResponse(d.Response)
			if err != nil {
				c.logger.ErrorContext(ctx, "failed to decode cached grpc response", clog.String("key", key), clog.Error(err))
				return nil, status.Error(codes.Internal, "failed to decode cached response")
			}
			return msg, nil
		case OutcomeConflict:
			return nil, status.Errorf(codes.Aborted, "idempotency key %q is %s", key, d.Status)
		}

		resp, err := handler(ctx, req)

		// deadline 到期不应让已执行的调用停留在 PROCESSING
		settleCtx, cancel := settleContext(ctx)
		defer cancel()

		if err != nil {
			if ferr := c.Fail(settleCtx, key, err.Error()); ferr != nil {
				c.logger.ErrorContext(ctx, "failed to fail grpc idem key", clog.String("key", key), clog.Error(ferr))
			}
			return resp, err
		}

		encoded, reason := encodeReplayable(resp)
		if reason != "" {
			// 无法回放的响应记为 FAILED，重试得到 Aborted 而不是一个空结果
			c.logger.WarnContext(ctx, "grpc response is not replayable",
				clog.String("key", key), clog.String("reason", reason))
			if ferr := c.Fail(settleCtx, key, reason); ferr != nil {
				c.logger.ErrorContext(ctx, "failed to fail grpc idem key", clog.String("key", key), clog.Error(ferr))
			}
			return resp, nil
		}
		if err := c.Complete(settleCtx, key, encoded); err != nil {
			c.logger.ErrorContext(ctx, "failed to complete grpc idem key", clog.String("key", key), clog.Error(err))
		}
		return resp, nil
	}
}

// encodeReplayable 编码可回放的响应；不可回放时返回原因
func encodeReplayable(resp any) ([]byte, string) {
	msg, ok := resp.(proto.Message)
	if !ok || msg == nil {
		return nil, "non-proto response is not replayable"
	}
	encoded, err := encodeGRPCResponse(msg)
	if err != nil {
		return nil, "encode response: " + err.Error()
	}
	return encoded, ""
}

func keyFromMetadata(ctx context.Context, name string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(name); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func encodeGRPCResponse(msg proto.Message) ([]byte, error) {
	anyMsg, err := anypb.New(msg)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(anyMsg)
}

func decodeCachedGRPCResponse(raw []byte) (proto.Message, error) {
	var anyMsg anypb.Any
	if err := proto.Unmarshal(raw, &anyMsg); err != nil {
		return nil, err
	}
	return anypb.UnmarshalNew(&anyMsg, proto.UnmarshalOptions{})
}
