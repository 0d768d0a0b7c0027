package micro

import (
	"net"

	"google.golang.org/grpc"

	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/health"
	"github.com/pestras/micro/pkg/logging"
)

// grpcHealthEndpoint serves the standard gRPC health service backed by a
// health.GRPCSink
type grpcHealthEndpoint struct {
	sink     *health.GRPCSink
	server   *grpc.Server
	listener net.Listener
	done     chan struct{}
}

func startGRPCHealth(address string, logger logging.Logger) (*grpcHealthEndpoint, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewIOError("failed to listen", err).WithContext("address", address)
	}

	endpoint := &grpcHealthEndpoint{
		sink:     health.NewGRPCSink(),
		server:   grpc.NewServer(),
		listener: listener,
		done:     make(chan struct{}),
	}
	endpoint.sink.Register(endpoint.server)

	go func() {
		defer close(endpoint.done)
		if err := endpoint.server.Serve(listener); err != nil {
			logger.Errorf("gRPC health endpoint stopped: %v", err)
		}
	}()

	logger.Infof("gRPC health endpoint listening, address: %s", listener.Addr())
	return endpoint, nil
}

func (e *grpcHealthEndpoint) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop reports NOT_SERVING to watchers and stops the server
func (e *grpcHealthEndpoint) Stop() {
	e.sink.Shutdown()
	e.server.Stop()
	<-e.done
}
