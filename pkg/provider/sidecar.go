package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
)

// SidecarBackend is a co-located execution sidecar (browser automation,
// sandboxed tools). Tasks are posted to its HTTP execute endpoint; health
// is probed over the sidecar's gRPC health service, which is the standard
// surface those sidecars expose.
type SidecarBackend struct {
	id       string
	execURL  string
	client   *http.Client
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	probeTTL time.Duration
}

// SidecarConfig configures a SidecarBackend.
type SidecarConfig struct {
	ID       string
	ExecURL  string
	GRPCAddr string
	Timeout  time.Duration
}

// NewSidecarBackend connects the health channel; the connection is lazy,
// so a down sidecar surfaces on the first probe rather than here.
func NewSidecarBackend(cfg SidecarConfig) (*SidecarBackend, error) {
	conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting sidecar %s health channel: %w", cfg.ID, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &SidecarBackend{
		id:      cfg.ID,
		execURL: cfg.ExecURL,
		client:  &http.Client{Timeout: timeout},
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
	}, nil
}

func (s *SidecarBackend) ID() string { return s.id }

// Execute posts the task to the sidecar's execute endpoint.
func (s *SidecarBackend) Execute(ctx context.Context, task Task) (*Result, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("encoding sidecar task: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.execURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, errkind.New(errkind.Permanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errkind.New(errkind.Classify(err), fmt.Errorf("calling sidecar %s: %w", s.id, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errkind.New(errkind.FromHTTPStatus(resp.StatusCode),
			fmt.Errorf("sidecar %s returned %d: %s", s.id, resp.StatusCode, string(payload)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errkind.New(errkind.Transient, fmt.Errorf("decoding sidecar %s response: %w", s.id, err))
	}
	return &result, nil
}

// Healthy checks the sidecar's gRPC health service.
func (s *SidecarBackend) Healthy(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := s.health.Check(probeCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("sidecar %s health check: %w", s.id, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("sidecar %s not serving: %s", s.id, resp.GetStatus())
	}
	return nil
}

// Close releases the health channel.
func (s *SidecarBackend) Close() error {
	return s.conn.Close()
}
