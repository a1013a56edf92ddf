package reply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// ReplyMethod is the full gRPC method name served by remote reply models.
// Requests and responses are google.protobuf.Struct messages.
const ReplyMethod = "/honeypot.v1.Persona/Reply"

var errMissingReply = errors.New("reply missing from response")

// Remote asks an external model service for the next reply.
type Remote struct {
	conn grpc.ClientConnInterface
}

// NewRemote wraps an established connection.
func NewRemote(conn grpc.ClientConnInterface) *Remote {
	return &Remote{conn: conn}
}

// Generate implements Generator.
func (r *Remote) Generate(ctx context.Context, history []domain.Turn, msg domain.Turn) (string, error) {
	turns := make([]any, 0, len(history))
	for _, t := range history {
		turns = append(turns, encodeTurn(t))
	}
	req, err := structpb.NewStruct(map[string]any{
		"history": turns,
		"message": encodeTurn(msg),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode reply request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, ReplyMethod, req, resp); err != nil {
		return "", fmt.Errorf("reply request failed: %w", err)
	}

	v, ok := resp.GetFields()["reply"]
	if !ok {
		return "", errMissingReply
	}
	return v.GetStringValue(), nil
}

func encodeTurn(t domain.Turn) map[string]any {
	return map[string]any{
		"sender":    t.Sender,
		"text":      t.Text,
		"timestamp": t.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
