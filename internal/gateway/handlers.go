package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/nuetzliches/quegate/internal/engine"
	"github.com/nuetzliches/quegate/internal/monitor"
	"github.com/nuetzliches/quegate/internal/payload"
)

func (s *Server) listEndpoints(x *exchange, prefix string) error {
	return writeJSON(x.w, map[string][]string{
		lastSegment(prefix): {"locks/", "queues/", "monitor/", "configuration/"},
	})
}

func (s *Server) getConfiguration(x *exchange) error {
	reply, err := s.call(x, engine.OpGetConfiguration, engine.Payload{})
	if err != nil || !reply.OK() {
		return internal("Error gathering configuration", err)
	}
	writeRawJSON(x.w, reply.Value)
	return nil
}

func (s *Server) setConfiguration(x *exchange) error {
	body, err := s.readBody(x)
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return badInput("Configuration values must be a json object")
	}
	reply, err := s.call(x, engine.OpSetConfiguration, engine.Payload{Config: json.RawMessage(body)})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return badInput(reply.Message)
	}
	writeText(x.w, http.StatusOK, http.StatusText(http.StatusOK))
	s.audit(x, engine.OpSetConfiguration, "", 0)
	return nil
}

func (s *Server) getMonitorInformation(x *exchange) error {
	limit, err := s.monitorLimit(x)
	if err != nil {
		return err
	}
	if limit == 0 {
		return writeJSON(x.w, map[string][]monitor.QueueSize{"queues": {}})
	}
	if limit < 0 {
		limit = 0
	}

	reply, err := s.call(x, engine.OpGetQueues, engine.Payload{})
	if err != nil || !reply.OK() {
		return internal("Error gathering names of active queues", err)
	}
	var names struct {
		Queues []string `json:"queues"`
	}
	if err := reply.DecodeValue(&names); err != nil {
		return internal("Error gathering names of active queues", err)
	}

	agg := s.Monitor
	if agg == nil {
		agg = monitor.NewAggregator(EngineCounter(s.Engine), monitor.WithLogger(x.log))
	}
	sizes, err := agg.Collect(x.r.Context(), monitor.Request{
		QueueNames:   names.Queues,
		Limit:        limit,
		IncludeEmpty: x.flag("emptyQueues"),
	})
	if err != nil {
		return internal("Error gathering queue sizes", err)
	}
	return writeJSON(x.w, map[string][]monitor.QueueSize{"queues": sizes})
}

// monitorLimit reads the limit parameter. Absent or non-numeric yields -1
// (no limit); a zero limit is kept so the listing comes back empty.
func (s *Server) monitorLimit(x *exchange) (int, error) {
	raw, ok := x.param("limit")
	if !ok {
		return -1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		x.log.Warn("non_numeric_limit", slog.String("limit", raw))
		return -1, nil
	}
	if n < 0 {
		return 0, badInput("limit must not be negative")
	}
	return n, nil
}

func (s *Server) enqueue(x *exchange, queue string) error {
	buffer, err := s.encodedBody(x)
	if err != nil {
		return err
	}
	op := engine.OpEnqueue
	p := engine.Payload{Queue: queue, Buffer: string(buffer)}
	if x.flag("locked") {
		op = engine.OpLockedEnqueue
		p.RequestedBy = x.user
	}
	reply, err := s.call(x, op, p)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return replyError(reply, KindBadInput)
	}
	writeOK(x.w)
	s.audit(x, op, queue, 1)
	return nil
}

func (s *Server) listQueues(x *exchange) error {
	filter, _ := x.param("filter")
	reply, err := s.call(x, engine.OpGetQueues, engine.Payload{Filter: filter})
	if err != nil {
		return internal("Unable to list active queues", err)
	}
	if !reply.OK() {
		msg := "Unable to list active queues. Cause: " + reply.Message
		if reply.BadInput() {
			return badInput(msg)
		}
		return internal(msg, nil)
	}
	writeRawJSON(x.w, reply.Value)
	return nil
}

func (s *Server) getQueuesCount(x *exchange) error {
	filter, _ := x.param("filter")
	reply, err := s.call(x, engine.OpGetQueuesCount, engine.Payload{Filter: filter})
	if err != nil {
		return internal("Error gathering count of active queues", err)
	}
	if !reply.OK() {
		if reply.BadInput() {
			return badInput("Error gathering count of active queues. Cause: " + reply.Message)
		}
		return internal("Error gathering count of active queues", nil)
	}
	return writeCount(x, "count", reply, "Error gathering count of active queues")
}

func (s *Server) bulkDeleteQueues(x *exchange) error {
	if !x.flag("bulkDelete") {
		return badInput("Unsupported operation. Add 'bulkDelete' parameter for bulk deleting queues")
	}
	body, err := s.readBody(x)
	if err != nil {
		return err
	}
	queues, err := nonEmptyStringArray(body, "queues")
	if err != nil {
		return err
	}
	reply, err := s.call(x, engine.OpBulkDeleteQueues, engine.Payload{Queues: queues})
	if err != nil {
		return internal("Error bulk deleting queues", err)
	}
	if !reply.OK() {
		if reply.BadInput() {
			return badInput(reply.Message)
		}
		return internal("Error bulk deleting queues", nil)
	}
	return s.writeDeleted(x, engine.OpBulkDeleteQueues, "", reply, "Error bulk deleting queues")
}

func (s *Server) listQueueItems(x *exchange, queue string) error {
	limit, _ := x.param("limit")
	reply, err := s.call(x, engine.OpGetQueueItems, engine.Payload{Queue: queue, Limit: limit})
	if err != nil {
		return err
	}
	if !reply.OK() {
		x.log.Warn("list_queue_items_failed", slog.String("queue", queue), slog.String("message", reply.Message))
		return notFound(reply.Message)
	}
	var stored []string
	if err := reply.DecodeValue(&stored); err != nil {
		return internal("", err)
	}
	items := make([]json.RawMessage, 0, len(stored))
	for _, item := range stored {
		items = append(items, decodedItem(item))
	}
	return writeJSON(x.w, map[string][]json.RawMessage{queue: items})
}

func (s *Server) getQueueItemsCount(x *exchange, queue string) error {
	reply, err := s.call(x, engine.OpGetQueueItemsCount, engine.Payload{Queue: queue})
	if err != nil || !reply.OK() {
		return internal("Error gathering count of active queue items", err)
	}
	return writeCount(x, "count", reply, "Error gathering count of active queue items")
}

func (s *Server) deleteAllQueueItems(x *exchange, queue string) error {
	reply, err := s.call(x, engine.OpDeleteAllQueueItems, engine.Payload{Queue: queue, Unlock: x.flag("unlock")})
	if err != nil || !reply.OK() {
		return internal("Error deleting queue items", err)
	}
	var deleted int64
	_ = reply.DecodeValue(&deleted)
	writeOK(x.w)
	s.audit(x, engine.OpDeleteAllQueueItems, queue, deleted)
	return nil
}

func (s *Server) getQueueItem(x *exchange, queue string, index int) error {
	reply, err := s.call(x, engine.OpGetQueueItem, engine.Payload{Queue: queue, Index: index})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return notFound("Not Found")
	}
	var stored string
	if err := reply.DecodeValue(&stored); err != nil {
		return internal("", err)
	}
	decoded, err := payload.DecodeDocument([]byte(stored))
	if err != nil {
		return internal("Stored queue item is not a valid envelope", err)
	}
	writeRawJSON(x.w, decoded)
	return nil
}

func (s *Server) replaceQueueItem(x *exchange, queue string, index int) error {
	if err := s.checkLocked(x, queue); err != nil {
		return err
	}
	buffer, err := s.encodedBody(x)
	if err != nil {
		return err
	}
	reply, err := s.call(x, engine.OpReplaceQueueItem, engine.Payload{Queue: queue, Index: index, Buffer: string(buffer)})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return replyError(reply, KindNotFound)
	}
	writeOK(x.w)
	s.audit(x, engine.OpReplaceQueueItem, queue, 1)
	return nil
}

func (s *Server) deleteQueueItem(x *exchange, queue string, index int) error {
	if err := s.checkLocked(x, queue); err != nil {
		return err
	}
	reply, err := s.call(x, engine.OpDeleteQueueItem, engine.Payload{Queue: queue, Index: index})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return replyError(reply, KindNotFound)
	}
	writeOK(x.w)
	s.audit(x, engine.OpDeleteQueueItem, queue, 1)
	return nil
}

func (s *Server) addQueueItem(x *exchange, queue string) error {
	buffer, err := s.encodedBody(x)
	if err != nil {
		return err
	}
	reply, err := s.call(x, engine.OpAddQueueItem, engine.Payload{Queue: queue, Buffer: string(buffer)})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return replyError(reply, KindBadInput)
	}
	writeOK(x.w)
	s.audit(x, engine.OpAddQueueItem, queue, 1)
	return nil
}

func (s *Server) getAllLocks(x *exchange) error {
	filter, _ := x.param("filter")
	reply, err := s.call(x, engine.OpGetAllLocks, engine.Payload{Filter: filter})
	if err != nil {
		return err
	}
	if !reply.OK() {
		if reply.BadInput() {
			return badInput(reply.Message)
		}
		return notFound("")
	}
	writeRawJSON(x.w, reply.Value)
	return nil
}

func (s *Server) deleteAllLocks(x *exchange) error {
	reply, err := s.call(x, engine.OpDeleteAllLocks, engine.Payload{})
	if err != nil || !reply.OK() {
		return internal("Error deleting all locks", err)
	}
	return s.writeDeleted(x, engine.OpDeleteAllLocks, "", reply, "Error deleting all locks")
}

func (s *Server) bulkPutOrDeleteLocks(x *exchange) error {
	body, err := s.readBody(x)
	if err != nil {
		return err
	}
	locks, err := nonEmptyStringArray(body, "locks")
	if err != nil {
		return err
	}

	if x.flag("bulkDelete") {
		reply, err := s.call(x, engine.OpBulkDeleteLocks, engine.Payload{Locks: locks})
		if err != nil {
			return internal("Error bulk deleting locks", err)
		}
		if !reply.OK() {
			if reply.BadInput() {
				return badInput(reply.Message)
			}
			return internal("Error bulk deleting locks", nil)
		}
		return s.writeDeleted(x, engine.OpBulkDeleteLocks, "", reply, "Error bulk deleting locks")
	}

	reply, err := s.call(x, engine.OpBulkPutLocks, engine.Payload{Locks: locks, RequestedBy: x.user})
	if err != nil {
		return err
	}
	if !reply.OK() {
		if reply.BadInput() {
			return badInput(reply.Message)
		}
		return internal("", nil)
	}
	writeText(x.w, http.StatusOK, http.StatusText(http.StatusOK))
	s.audit(x, engine.OpBulkPutLocks, "", int64(len(locks)))
	return nil
}

func (s *Server) putLock(x *exchange, queue string) error {
	reply, err := s.call(x, engine.OpPutLock, engine.Payload{Queue: queue, RequestedBy: x.user})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return replyError(reply, KindBadInput)
	}
	writeOK(x.w)
	s.audit(x, engine.OpPutLock, queue, 1)
	return nil
}

func (s *Server) getLock(x *exchange, queue string) error {
	reply, err := s.call(x, engine.OpGetLock, engine.Payload{Queue: queue})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return notFound(engine.StatusNoSuchLock)
	}
	var lock string
	if err := reply.DecodeValue(&lock); err != nil {
		return internal("", err)
	}
	writeRawJSON(x.w, []byte(lock))
	return nil
}

func (s *Server) deleteLock(x *exchange, queue string) error {
	reply, err := s.call(x, engine.OpDeleteLock, engine.Payload{Queue: queue})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return replyError(reply, KindInternal)
	}
	writeOK(x.w)
	s.audit(x, engine.OpDeleteLock, queue, 1)
	return nil
}

// checkLocked rejects the request with a conflict unless queue holds a lock.
func (s *Server) checkLocked(x *exchange, queue string) error {
	reply, err := s.call(x, engine.OpGetLock, engine.Payload{Queue: queue})
	if err != nil {
		return err
	}
	if reply.Status == engine.StatusNoSuchLock {
		return &Error{Kind: KindConflict, Message: msgQueueMustBeLocked}
	}
	return nil
}

func (s *Server) encodedBody(x *exchange) ([]byte, error) {
	body, err := s.readBody(x)
	if err != nil {
		return nil, err
	}
	encoded, err := payload.EncodeDocument(body)
	if err != nil {
		return nil, &Error{Kind: KindBadInput, Message: err.Error(), Err: err}
	}
	return encoded, nil
}

func (s *Server) writeDeleted(x *exchange, op engine.Operation, queue string, reply engine.Reply, failure string) error {
	var deleted int64
	if err := reply.DecodeValue(&deleted); err != nil {
		return internal(failure, err)
	}
	if err := writeJSON(x.w, map[string]int64{"deleted": deleted}); err != nil {
		return err
	}
	s.audit(x, op, queue, deleted)
	return nil
}

func writeCount(x *exchange, key string, reply engine.Reply, failure string) error {
	var n int64
	if err := reply.DecodeValue(&n); err != nil {
		return internal(failure, err)
	}
	return writeJSON(x.w, map[string]int64{key: n})
}

// replyError maps a failed engine reply to kind, keeping the status text as
// the body.
func replyError(reply engine.Reply, kind Kind) *Error {
	if reply.BadInput() && reply.Message != "" && kind == KindBadInput {
		return badInput(reply.Message)
	}
	return &Error{Kind: kind}
}

func nonEmptyStringArray(body []byte, property string) ([]string, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, badInput("Request body must be a json object")
	}
	arr := gjson.GetBytes(body, property)
	if !arr.IsArray() {
		return nil, badInput("no array called '" + property + "' found")
	}
	values := arr.Array()
	if len(values) == 0 {
		return nil, badInput("array '" + property + "' is not allowed to be empty")
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v.Type != gjson.String {
			return nil, badInput("array '" + property + "' must contain strings only")
		}
		out = append(out, v.Str)
	}
	return out, nil
}

func parseIndex(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 || raw[0] == '+' || raw[0] == '-' {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

// decodedItem inflates a stored item for display. Items that are not valid
// envelopes are shown as JSON strings.
func decodedItem(stored string) json.RawMessage {
	if decoded, err := payload.DecodeDocument([]byte(stored)); err == nil {
		return decoded
	}
	b, _ := json.Marshal(stored)
	return b
}
