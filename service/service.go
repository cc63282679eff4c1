// Package service serves the topiclog.Log over the Maelstrom protocol.
package service

import (
	"context"
	"encoding/json"
	"time"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/topiclog/metrics"
	"go.gazette.dev/topiclog/topiclog"
)

// Node is the portion of a *maelstrom.Node used by Service.
type Node interface {
	Handle(typ string, fn maelstrom.HandlerFunc)
	Reply(req maelstrom.Message, body any) error
}

// Service dispatches Maelstrom requests to a topiclog.Log.
type Service struct {
	node    Node
	log     *topiclog.Log
	timeout time.Duration
}

// New returns a Service of |l| which replies via |node|. Each request is
// bounded by |timeout|, if non-zero.
func New(node Node, l *topiclog.Log, timeout time.Duration) *Service {
	return &Service{node: node, log: l, timeout: timeout}
}

// Register the request handlers of the Service with its Node.
func (s *Service) Register() {
	s.node.Handle("send", s.handler("send", s.send))
	s.node.Handle("poll", s.handler("poll", s.poll))
	s.node.Handle("commit_offsets", s.handler("commit_offsets", s.commitOffsets))
	s.node.Handle("list_committed_offsets", s.handler("list_committed_offsets", s.listCommitted))
}

// errMalformed is returned by request functions which are unable to
// interpret their request body.
type errMalformed struct{ reason string }

func (e errMalformed) Error() string { return "malformed request: " + e.reason }

// handler adapts |fn| into a maelstrom.HandlerFunc. Replies of |fn| are sent
// to the requester. Malformed requests are dropped without reply. Other
// errors reply with a Maelstrom error: temporarily-unavailable if the failed
// operation may be retried, and crash otherwise.
func (s *Service) handler(typ string, fn func(context.Context, json.RawMessage) (any, error)) maelstrom.HandlerFunc {
	return func(msg maelstrom.Message) error {
		var ctx, cancel = context.Background(), func() {}
		if s.timeout != 0 {
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		defer cancel()

		var timer = prometheus.NewTimer(metrics.RequestDurationSeconds.WithLabelValues(typ))
		var reply, err = fn(ctx, msg.Body)
		timer.ObserveDuration()

		var fields = log.Fields{"type": typ, "src": msg.Src}

		switch err.(type) {
		case nil:
			metrics.RequestsTotal.WithLabelValues(typ, metrics.Ok).Inc()
			return s.node.Reply(msg, reply)

		case errMalformed:
			metrics.RequestsTotal.WithLabelValues(typ, metrics.Malformed).Inc()
			fields["err"] = err
			fields["body"] = string(msg.Body)
			log.WithFields(fields).Debug("dropping malformed request")
			return nil
		}
		fields["err"] = err

		if topiclog.IsRetryable(err) {
			metrics.RequestsTotal.WithLabelValues(typ, metrics.Retryable).Inc()
			log.WithFields(fields).Warn("request failed (will be retried by client)")
			return maelstrom.NewRPCError(maelstrom.TemporarilyUnavailable, err.Error())
		}
		metrics.RequestsTotal.WithLabelValues(typ, metrics.Fail).Inc()
		log.WithFields(fields).Error("request failed")
		return maelstrom.NewRPCError(maelstrom.Crash, err.Error())
	}
}

func decode(body json.RawMessage, into any) error {
	if err := json.Unmarshal(body, into); err != nil {
		return errMalformed{reason: err.Error()}
	}
	return nil
}
