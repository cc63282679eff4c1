package service

import (
	"context"
	"encoding/json"
)

type sendRequest struct {
	Key *string `json:"key"`
	Msg *int64 `json:"msg"`
}

type sendReply struct {
	Type   string `json:"type"`
	Offset int64  `json:"offset"`
}

func (s *Service) send(ctx context.Context, body json.RawMessage) (any, error) {
	var req sendRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	} else if req.Key == nil {
		return nil, errMalformed{reason: "expected key"}
	} else if req.Msg == nil {
		return nil, errMalformed{reason: "expected msg"}
	}

	var offset, err = s.log.Send(ctx, *req.Key, *req.Msg)
	if err != nil {
		return nil, err
	}
	return sendReply{Type: "send_ok", Offset: offset}, nil
}

type pollRequest struct {
	Offsets map[string]int64 `json:"offsets"`
}

type pollReply struct {
	Type string                `json:"type"`
	Msgs map[string][][2]int64 `json:"msgs"`
}

func (s *Service) poll(ctx context.Context, body json.RawMessage) (any, error) {
	var req pollRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	} else if req.Offsets == nil {
		return nil, errMalformed{reason: "expected offsets"}
	}

	var entries, err = s.log.Poll(ctx, req.Offsets)
	if err != nil {
		return nil, err
	}
	var msgs = make(map[string][][2]int64, len(entries))
	for topic, ee := range entries {
		var pairs = make([][2]int64, 0, len(ee))
		for _, e := range ee {
			pairs = append(pairs, [2]int64{e.Offset, e.Payload})
		}
		msgs[topic] = pairs
	}
	return pollReply{Type: "poll_ok", Msgs: msgs}, nil
}

type commitOffsetsRequest struct {
	Offsets map[string]int64 `json:"offsets"`
}

type typeOnlyReply struct {
	Type string `json:"type"`
}

func (s *Service) commitOffsets(ctx context.Context, body json.RawMessage) (any, error) {
	var req commitOffsetsRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	} else if req.Offsets == nil {
		return nil, errMalformed{reason: "expected offsets"}
	}
	for topic, offset := range req.Offsets {
		if offset < 0 {
			return nil, errMalformed{reason: "negative offset of " + topic}
		}
	}

	if err := s.log.CommitOffsets(ctx, req.Offsets); err != nil {
		return nil, err
	}
	return typeOnlyReply{Type: "commit_offsets_ok"}, nil
}

type listCommittedRequest struct {
	Keys []string `json:"keys"`
}

type listCommittedReply struct {
	Type    string           `json:"type"`
	Offsets map[string]int64 `json:"offsets"`
}

func (s *Service) listCommitted(ctx context.Context, body json.RawMessage) (any, error) {
	var req listCommittedRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	} else if req.Keys == nil {
		return nil, errMalformed{reason: "expected keys"}
	}

	var offsets, err = s.log.ListCommitted(ctx, req.Keys)
	if err != nil {
		return nil, err
	}
	return listCommittedReply{Type: "list_committed_offsets_ok", Offsets: offsets}, nil
}
