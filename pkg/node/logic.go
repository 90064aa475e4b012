package node

import (
	"context"
	"time"
)

// EchoProcessor is the demo downstream: it holds the request for Work and
// echoes SomeData back as DoneData.
type EchoProcessor struct {
	Work time.Duration
}

func (p EchoProcessor) Process(ctx context.Context, in LogicRequest) (LogicResponse, error) {
	if p.Work > 0 {
		t := time.NewTimer(p.Work)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return LogicResponse{}, ctx.Err()
		}
	}
	return LogicResponse{DoneData: in.SomeData}, nil
}
