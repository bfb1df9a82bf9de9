package simd

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

// SimulationServiceName is the fully qualified gRPC service name
const SimulationServiceName = "trachoma.v1.SimulationService"

// SimulationServiceServer is the gRPC surface of the daemon. Requests and
// responses are google.protobuf.Struct values holding the same JSON shapes
// the HTTP API uses.
type SimulationServiceServer interface {
	CreateRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(SimulationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SimulationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + SimulationServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SimulationServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SimulationServiceDesc describes the service for grpc.Server.RegisterService
var SimulationServiceDesc = grpc.ServiceDesc{
	ServiceName: SimulationServiceName,
	HandlerType: (*SimulationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateRun", Handler: unaryHandler("CreateRun", SimulationServiceServer.CreateRun)},
		{MethodName: "GetRun", Handler: unaryHandler("GetRun", SimulationServiceServer.GetRun)},
		{MethodName: "StopRun", Handler: unaryHandler("StopRun", SimulationServiceServer.StopRun)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trachoma/v1/simulation.proto",
}

// RegisterSimulationServiceServer registers srv on s
func RegisterSimulationServiceServer(s grpc.ServiceRegistrar, srv SimulationServiceServer) {
	s.RegisterService(&SimulationServiceDesc, srv)
}

// NewGRPCServer builds a grpc.Server carrying the simulation service and the
// standard health service, with both reported as serving
func NewGRPCServer(store *RunStore, executor *RunExecutor, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(opts...)
	RegisterSimulationServiceServer(srv, NewSimulationGRPCServer(store, executor))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SimulationServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// SimulationServiceClient calls a remote SimulationService
type SimulationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSimulationServiceClient(cc grpc.ClientConnInterface) *SimulationServiceClient {
	return &SimulationServiceClient{cc: cc}
}

func (c *SimulationServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+SimulationServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SimulationServiceClient) CreateRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CreateRun", in, opts...)
}

func (c *SimulationServiceClient) GetRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetRun", in, opts...)
}

func (c *SimulationServiceClient) StopRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "StopRun", in, opts...)
}

// SimulationGRPCServer implements SimulationServiceServer on a RunStore and RunExecutor
type SimulationGRPCServer struct {
	store    *RunStore
	Executor *RunExecutor
}

// NewSimulationGRPCServer creates a new SimulationGRPCServer with the provided RunStore and RunExecutor.
func NewSimulationGRPCServer(store *RunStore, executor *RunExecutor) *SimulationGRPCServer {
	return &SimulationGRPCServer{
		store:    store,
		Executor: executor,
	}
}

// CreateRun accepts {"run_id"?, "input": RunInput} and starts the run
func (s *SimulationGRPCServer) CreateRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body createRunRequest
	if err := decodeStruct(req, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if body.Input == nil {
		return nil, status.Error(codes.InvalidArgument, "input is required")
	}

	rec, err := s.Executor.Submit(body.RunID, *body.Input)
	if err != nil {
		var cfgErr *models.ConfigurationError
		switch {
		case errors.Is(err, ErrRateLimited):
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		case errors.Is(err, ErrRunExists):
			return nil, status.Error(codes.AlreadyExists, err.Error())
		case errors.Is(err, ErrInvalidRunID), errors.As(err, &cfgErr):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}

	logger.Info("run created (gRPC)", "run_id", rec.Info.ID)
	return encodeStruct(rec)
}

func (s *SimulationGRPCServer) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID := runIDOf(req)
	if runID == "" {
		return nil, status.Error(codes.InvalidArgument, ErrRunIDMissing.Error())
	}
	rec, ok := s.store.Get(runID)
	if !ok {
		return nil, status.Error(codes.NotFound, "run not found")
	}
	out, err := encodeStruct(rec)
	if err != nil {
		return nil, err
	}
	if len(rec.Summary) > 0 {
		series, err := toValue(rec.Summary)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		out.Fields["series"] = series
	}
	return out, nil
}

func (s *SimulationGRPCServer) StopRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID := runIDOf(req)
	if runID == "" {
		return nil, status.Error(codes.InvalidArgument, ErrRunIDMissing.Error())
	}

	updated, err := s.Executor.Stop(runID)
	if err != nil {
		switch {
		case errors.Is(err, ErrRunNotFound):
			return nil, status.Error(codes.NotFound, err.Error())
		case errors.Is(err, ErrRunTerminal):
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	logger.Info("run cancelled (gRPC)", "run_id", runID)
	return encodeStruct(updated)
}

func runIDOf(req *structpb.Struct) string {
	if req == nil {
		return ""
	}
	return req.GetFields()["run_id"].GetStringValue()
}

// decodeStruct maps a Struct onto a JSON-tagged Go value
func decodeStruct(in *structpb.Struct, out any) error {
	if in == nil {
		return errors.New("empty request")
	}
	data, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func toValue(v any) (*structpb.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Value)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
