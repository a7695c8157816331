package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

type Operation string

const (
	OpGetConfiguration    Operation = "getConfiguration"
	OpSetConfiguration    Operation = "setConfiguration"
	OpEnqueue             Operation = "enqueue"
	OpLockedEnqueue       Operation = "lockedEnqueue"
	OpGetQueues           Operation = "getQueues"
	OpGetQueuesCount      Operation = "getQueuesCount"
	OpGetQueueItems       Operation = "getQueueItems"
	OpGetQueueItemsCount  Operation = "getQueueItemsCount"
	OpDeleteAllQueueItems Operation = "deleteAllQueueItems"
	OpBulkDeleteQueues    Operation = "bulkDeleteQueues"
	OpGetQueueItem        Operation = "getQueueItem"
	OpReplaceQueueItem    Operation = "replaceQueueItem"
	OpDeleteQueueItem     Operation = "deleteQueueItem"
	OpAddQueueItem        Operation = "addQueueItem"
	OpGetLock             Operation = "getLock"
	OpPutLock             Operation = "putLock"
	OpBulkPutLocks        Operation = "bulkPutLocks"
	OpGetAllLocks         Operation = "getAllLocks"
	OpDeleteLock          Operation = "deleteLock"
	OpBulkDeleteLocks     Operation = "bulkDeleteLocks"
	OpDeleteAllLocks      Operation = "deleteAllLocks"
)

const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusNoSuchLock = "No such lock"

	ErrorTypeBadInput = "badInput"
)

var (
	ErrBusClosed      = errors.New("engine: bus closed")
	ErrUnknownOp      = errors.New("engine: unknown operation")
	ErrMalformedReply = errors.New("engine: malformed reply value")
)

// Payload carries the operation specific request fields. Unused fields stay
// at their zero value.
type Payload struct {
	Queue       string          `json:"queuename,omitempty"`
	Index       int             `json:"index,omitempty"`
	Limit       string          `json:"limit,omitempty"`
	Filter      string          `json:"filter,omitempty"`
	Buffer      string          `json:"buffer,omitempty"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	Unlock      bool            `json:"unlock,omitempty"`
	Queues      []string        `json:"queues,omitempty"`
	Locks       []string        `json:"locks,omitempty"`
	Config      json.RawMessage `json:"configuration,omitempty"`
}

type Request struct {
	Operation Operation `json:"operation"`
	Payload   Payload   `json:"payload"`
}

// Reply is the engine's answer. Value is operation specific: a string, a
// number, an array or an object.
type Reply struct {
	Status    string          `json:"status"`
	ErrorType string          `json:"errorType,omitempty"`
	Message   string          `json:"message,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func (r Reply) OK() bool { return r.Status == StatusOK }

func (r Reply) BadInput() bool {
	return r.Status != StatusOK && strings.EqualFold(r.ErrorType, ErrorTypeBadInput)
}

// DecodeValue unmarshals Value into v.
func (r Reply) DecodeValue(v any) error {
	if len(r.Value) == 0 {
		return ErrMalformedReply
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return errors.Join(ErrMalformedReply, err)
	}
	return nil
}

func OKReply(value any) Reply {
	if value == nil {
		return Reply{Status: StatusOK}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return ErrorReply(err.Error())
	}
	return Reply{Status: StatusOK, Value: b}
}

func ErrorReply(message string) Reply {
	return Reply{Status: StatusError, Message: message}
}

func BadInputReply(message string) Reply {
	return Reply{Status: StatusError, ErrorType: ErrorTypeBadInput, Message: message}
}

func NoSuchLockReply() Reply {
	return Reply{Status: StatusNoSuchLock}
}

// Result is one completed round trip. Err reports a transport or store
// failure; Reply must not be read when Err is set.
type Result struct {
	Reply Reply
	Err   error
}

// Sender submits a request and returns a channel that receives exactly one
// Result. Send must not block the caller.
type Sender interface {
	Send(ctx context.Context, req Request) <-chan Result
}

type Handler interface {
	Handle(ctx context.Context, req Request) (Reply, error)
}

type HandlerFunc func(ctx context.Context, req Request) (Reply, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Reply, error) { return f(ctx, req) }

// Call sends req and waits for its result or for ctx to end.
func Call(ctx context.Context, s Sender, req Request) (Reply, error) {
	select {
	case res := <-s.Send(ctx, req):
		if res.Err != nil {
			return Reply{}, res.Err
		}
		return res.Reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
