package allocator

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	pb "agones.dev/agones/pkg/allocation/go"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// GRPCClient talks to the Agones allocator service over its mutually
// authenticated gRPC endpoint.
type GRPCClient struct {
	namespace string
	timeout   time.Duration
	conn      *grpc.ClientConn
	client    pb.AllocationServiceClient
}

// NewGRPC builds the mTLS channel from the given client certificate, key and
// CA bundle. The connection itself is established lazily by gRPC.
func NewGRPC(endpoint, certFile, keyFile, caFile, namespace string, timeout time.Duration) (*GRPCClient, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read allocator CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("allocator CA %s contains no certificates", caFile)
	}
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	})

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create allocator channel: %w", err)
	}
	log.Info().Str("endpoint", endpoint).Str("namespace", namespace).Msg("allocator grpc client initialized")
	return &GRPCClient{
		namespace: namespace,
		timeout:   timeout,
		conn:      conn,
		client:    pb.NewAllocationServiceClient(conn),
	}, nil
}

func (c *GRPCClient) Allocate(ctx context.Context, req Request) (*GameServer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Allocate(ctx, &pb.AllocationRequest{
		Namespace: c.namespace,
		GameServerSelectors: []*pb.GameServerSelector{
			{MatchLabels: map[string]string{fleetLabel: req.Fleet}},
		},
		Metadata: &pb.MetaPatch{Annotations: req.annotations()},
	})
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			log.Warn().Str("fleet", req.Fleet).Msg("allocator: fleet has no ready game server")
			return nil, ErrNoCapacity
		}
		return nil, fmt.Errorf("allocate from fleet %s: %w", req.Fleet, err)
	}
	return parseGRPCResponse(resp)
}

func parseGRPCResponse(resp *pb.AllocationResponse) (*GameServer, error) {
	tagged := make([]taggedAddress, 0, len(resp.GetAddresses()))
	for _, a := range resp.GetAddresses() {
		tagged = append(tagged, taggedAddress{Type: a.GetType(), Address: a.GetAddress()})
	}
	addr := resolveAddress(tagged, resp.GetAddress())

	var port int32
	if ports := resp.GetPorts(); len(ports) > 0 {
		port = ports[0].GetPort()
	}

	if addr == "" || port == 0 || resp.GetGameServerName() == "" {
		log.Error().
			Str("gameServerName", resp.GetGameServerName()).
			Str("address", addr).
			Int32("port", port).
			Msg("allocator: allocation succeeded but response is missing address, port or name")
		return nil, ErrBadResponse
	}
	return &GameServer{Name: resp.GetGameServerName(), Address: addr, Port: port}, nil
}

func (c *GRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
