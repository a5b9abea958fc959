package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/pikevm/profile"
	"github.com/chazu/pikevm/vm"
)

const (
	// EvaluationServiceName is the fully-qualified service name.
	EvaluationServiceName = "pikevm.v1.EvaluationService"
	// EvaluateProcedure is the path of the Evaluate method, shared by the
	// Connect and gRPC transports.
	EvaluateProcedure = "/" + EvaluationServiceName + "/Evaluate"
)

// Server evaluates program images on one interpreter. It serves Connect
// (HTTP) and plain gRPC; both transports funnel into Evaluate.
type Server struct {
	worker *Worker
	mux    *http.ServeMux
	grpc   *grpc.Server
	entry  string
	args   []vm.Value
	store  *profile.Store
	log    commonlog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithEntry sets the function called in each evaluated program (default
// "main") and the arguments it receives.
func WithEntry(name string, args ...vm.Value) Option {
	return func(s *Server) {
		s.entry = name
		s.args = args
	}
}

// WithProfileStore records the interpreter's opcode counts after every
// request. The interpreter must have profiling enabled.
func WithProfileStore(store *profile.Store) Option {
	return func(s *Server) { s.store = store }
}

// New creates a Server that owns i.
func New(i *vm.Interpreter, opts ...Option) *Server {
	s := &Server{
		worker: NewWorker(i),
		mux:    http.NewServeMux(),
		entry:  "main",
		log:    commonlog.GetLogger("pikevm.server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.Handle(EvaluateProcedure, connect.NewUnaryHandler(EvaluateProcedure, s.evaluateConnect))

	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&evaluationServiceDesc, s)
	return s
}

// Handler returns the Connect HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GRPCServer returns the gRPC server with the evaluation service
// registered.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpc
}

// ListenAndServe serves Connect on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Noticef("evaluation service listening on %s", addr)
	s.log.Noticef("  Connect: http://%s%s", addr, EvaluateProcedure)
	return http.ListenAndServe(addr, s.mux)
}

// ServeGRPC serves gRPC on lis until Stop.
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.log.Noticef("gRPC evaluation service listening on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop shuts down the gRPC server and the worker.
func (s *Server) Stop() {
	s.grpc.Stop()
	s.worker.Stop()
}

// ---------------------------------------------------------------------------
// Transports
// ---------------------------------------------------------------------------

func (s *Server) evaluateConnect(
	ctx context.Context,
	req *connect.Request[wrapperspb.BytesValue],
) (*connect.Response[structpb.Struct], error) {
	resp, err := s.Evaluate(ctx, req.Msg)
	if err != nil {
		return nil, connect.NewError(connectCode(err), err)
	}
	return connect.NewResponse(resp), nil
}

func connectCode(err error) connect.Code {
	switch {
	case errors.Is(err, errInvalidImage):
		return connect.CodeInvalidArgument
	case errors.Is(err, ErrWorkerStopped):
		return connect.CodeUnavailable
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	}
	return connect.CodeInternal
}

var errInvalidImage = errors.New("invalid program image")

func invalidImage(err error) error {
	return fmt.Errorf("%w: %v", errInvalidImage, err)
}
