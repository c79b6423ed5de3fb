package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/engine"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ReadRequest is the payload of a {prefix}.read.{object} request.
type ReadRequest struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// ReadResponse carries the bytes read; Data is base64 in JSON.
type ReadResponse struct {
	Object uint64 `json:"object"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// RunNATSResponder serves the read-only control plane over NATS
// request-reply until ctx is done. Subjects:
//
//	{prefix}.status
//	{prefix}.chunk.{object}.{part}
//	{prefix}.read.{object}
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, eng *engine.Engine, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "hts"
	}
	r := &responder{eng: eng, prefix: prefix, logger: logger}

	var subs []*nats.Subscription
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	for subject, fn := range map[string]func(context.Context, *nats.Msg) (any, error){
		prefix + ".status":  r.status,
		prefix + ".chunk.>": r.chunk,
		prefix + ".read.*":  r.read,
	} {
		sub, err := nc.Subscribe(subject, r.handle(ctx, fn))
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	logger.Info("NATS responder started", zap.String("prefix", prefix))

	<-ctx.Done()
	return nil
}

type responder struct {
	eng    *engine.Engine
	prefix string
	logger *zap.Logger
}

func (r *responder) handle(ctx context.Context, fn func(context.Context, *nats.Msg) (any, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		v, err := fn(ctx, msg)
		if err != nil {
			metrics.APIRequests.WithLabelValues("nats", "error").Inc()
			resp, _ := json.Marshal(map[string]string{"error": err.Error()})
			msg.Respond(resp)
			return
		}
		resp, err := json.Marshal(v)
		if err != nil {
			r.logger.Error("encoding NATS reply", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		metrics.APIRequests.WithLabelValues("nats", "ok").Inc()
		msg.Respond(resp)
	}
}

// tokens returns the subject tokens after the prefix and the verb.
func (r *responder) tokens(subject string) []string {
	rest := strings.TrimPrefix(subject, r.prefix+".")
	parts := strings.Split(rest, ".")
	return parts[1:]
}

func (r *responder) status(_ context.Context, _ *nats.Msg) (any, error) {
	return r.eng.Status(), nil
}

func (r *responder) chunk(ctx context.Context, msg *nats.Msg) (any, error) {
	tok := r.tokens(msg.Subject)
	if len(tok) != 2 {
		return nil, fmt.Errorf("invalid subject format")
	}
	object, err := strconv.ParseUint(tok[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid object id: %s", tok[0])
	}
	part, err := strconv.ParseUint(tok[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid part: %s", tok[1])
	}
	return r.eng.Registry().Describe(ctx, types.ChunkKey{ObjectID: object, Part: part})
}

func (r *responder) read(_ context.Context, msg *nats.Msg) (any, error) {
	tok := r.tokens(msg.Subject)
	if len(tok) != 1 {
		return nil, fmt.Errorf("invalid subject format")
	}
	object, err := strconv.ParseUint(tok[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid object id: %s", tok[0])
	}

	var req ReadRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
	}
	if req.Offset < 0 || req.Length < 0 {
		return nil, fmt.Errorf("offset and length must not be negative")
	}
	if req.Length == 0 {
		req.Length = r.eng.Registry().ChunkSize()
	}
	if req.Length > MaxTransferBytes {
		return nil, fmt.Errorf("length exceeds %d bytes", MaxTransferBytes)
	}

	data, err := r.eng.Registry().Read(object, req.Offset, req.Length)
	if err != nil {
		return nil, err
	}
	return ReadResponse{Object: object, Offset: req.Offset, Data: data}, nil
}
