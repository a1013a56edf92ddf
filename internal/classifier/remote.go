package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// AnalyzeMethod is the full gRPC method name served by remote classifiers.
// Requests and responses are google.protobuf.Struct messages.
const AnalyzeMethod = "/honeypot.v1.Classifier/Analyze"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed classifier response")
)

// RemoteConfig holds configuration for a remote classifier connection.
type RemoteConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultRemoteConfig returns default configuration for addr.
func DefaultRemoteConfig(addr string) RemoteConfig {
	return RemoteConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Remote is a classifier served over gRPC by an external model service.
type Remote struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewRemote connects to a remote classifier and waits until it is ready.
func NewRemote(cfg RemoteConfig, logger *slog.Logger, opts ...grpc.DialOption) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier client for %s: %w", cfg.Address, err)
	}

	// Fail fast on bad classifier endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("classifier at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to remote classifier", "address", cfg.Address)
	return &Remote{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Classifier.
func (r *Remote) Name() string { return "grpc:" + r.addr }

// Close closes the gRPC connection.
func (r *Remote) Close() {
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Analyze implements Classifier.
func (r *Remote) Analyze(ctx context.Context, transcript []domain.Turn) (domain.ClassifierOutput, error) {
	req, err := encodeTranscript(transcript)
	if err != nil {
		return domain.ClassifierOutput{}, err
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, AnalyzeMethod, req, resp); err != nil {
		return domain.ClassifierOutput{}, fmt.Errorf("analyze request failed: %w", err)
	}

	out, err := decodeOutput(resp)
	if err != nil {
		return domain.ClassifierOutput{}, err
	}
	out.Source = r.Name()
	return out, nil
}

func encodeTranscript(transcript []domain.Turn) (*structpb.Struct, error) {
	turns := make([]any, 0, len(transcript))
	for _, t := range transcript {
		turns = append(turns, map[string]any{
			"sender":    t.Sender,
			"text":      t.Text,
			"timestamp": t.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	req, err := structpb.NewStruct(map[string]any{"transcript": turns})
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}
	return req, nil
}

// decodeOutput reads {detected, confidence, notes, intelligence:{category:[...]}}.
func decodeOutput(resp *structpb.Struct) (domain.ClassifierOutput, error) {
	fields := resp.GetFields()
	detected, ok := fields["detected"]
	if !ok {
		return domain.ClassifierOutput{}, fmt.Errorf("%w: missing detected", errMalformedResponse)
	}

	out := domain.ClassifierOutput{
		Detected:     detected.GetBoolValue(),
		Confidence:   fields["confidence"].GetNumberValue(),
		Notes:        fields["notes"].GetStringValue(),
		Intelligence: domain.Intelligence{},
	}
	for category, list := range fields["intelligence"].GetStructValue().GetFields() {
		for _, v := range list.GetListValue().GetValues() {
			if s := v.GetStringValue(); s != "" {
				out.Intelligence.Add(domain.Category(category), s)
			}
		}
	}
	return out, nil
}
