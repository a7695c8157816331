package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/quegate/internal/engine"
	"github.com/nuetzliches/quegate/internal/monitor"
)

const (
	defaultMaxBodyBytes = 2 << 20
	DefaultUserHeader   = "x-rp-usr"
	unknownUser         = "Unknown"
	requestIDHeader     = "X-Request-ID"

	msgQueueMustBeLocked = "Queue must be locked to perform this operation"
)

var errRequestBodyTooLarge = errors.New("request body too large")

// AuditEvent describes one mutating request after it was answered.
type AuditEvent struct {
	At        time.Time
	Operation engine.Operation
	Queue     string
	Actor     string
	RequestID string
	Status    int
	Count     int64
}

type RequestEvent struct {
	Route    string
	Method   string
	Status   int
	Duration time.Duration
}

// Server exposes the engine's administrative operations over HTTP below
// Prefix.
type Server struct {
	Engine         engine.Sender
	Monitor        *monitor.Aggregator
	Prefix         string
	UserHeader     string
	MaxBodyBytes   int64
	Logger         *slog.Logger
	Audit          func(event AuditEvent)
	ObserveRequest func(event RequestEvent)
	Now            func() time.Time
}

func NewServer(sender engine.Sender) *Server {
	return &Server{
		Engine:       sender,
		Monitor:      monitor.NewAggregator(EngineCounter(sender)),
		UserHeader:   DefaultUserHeader,
		MaxBodyBytes: defaultMaxBodyBytes,
		Logger:       slog.Default(),
		Now:          time.Now,
	}
}

// EngineCounter answers queue sizes with getQueueItemsCount round trips.
func EngineCounter(sender engine.Sender) monitor.CountFunc {
	return func(ctx context.Context, queue string) (int64, error) {
		reply, err := engine.Call(ctx, sender, engine.Request{
			Operation: engine.OpGetQueueItemsCount,
			Payload:   engine.Payload{Queue: queue},
		})
		if err != nil {
			return 0, err
		}
		if !reply.OK() {
			return 0, errors.New(strings.TrimSpace("engine: " + reply.Status + " " + reply.Message))
		}
		var n int64
		if err := reply.DecodeValue(&n); err != nil {
			return 0, err
		}
		return n, nil
	}
}

// EngineQueueNames lists every queue the engine knows about.
func EngineQueueNames(ctx context.Context, sender engine.Sender) ([]string, error) {
	reply, err := engine.Call(ctx, sender, engine.Request{Operation: engine.OpGetQueues})
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, errors.New(strings.TrimSpace("engine: " + reply.Status + " " + reply.Message))
	}
	var names struct {
		Queues []string `json:"queues"`
	}
	if err := reply.DecodeValue(&names); err != nil {
		return nil, err
	}
	return names.Queues, nil
}

type exchange struct {
	w     http.ResponseWriter
	r     *http.Request
	id    string
	user  string
	query map[string][]string
	log   *slog.Logger
	route string
}

func (x *exchange) flag(name string) bool {
	vals, ok := x.query[name]
	if !ok {
		return false
	}
	v := ""
	if len(vals) > 0 {
		v = vals[0]
	}
	return v == "" || strings.EqualFold(v, "true")
}

func (x *exchange) param(name string) (string, bool) {
	vals, ok := x.query[name]
	if !ok {
		return "", false
	}
	if len(vals) == 0 {
		return "", true
	}
	return vals[0], true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	id := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if id == "" {
		id = uuid.NewString()
	}
	sw.Header().Set(requestIDHeader, id)

	userHeader := s.UserHeader
	if userHeader == "" {
		userHeader = DefaultUserHeader
	}
	user := r.Header.Get(userHeader)
	if user == "" {
		user = unknownUser
	}

	x := &exchange{
		w:     sw,
		r:     r,
		id:    id,
		user:  user,
		query: r.URL.Query(),
		log:   s.logger().With(slog.String("request_id", id)),
		route: "unmatched",
	}
	if err := s.route(x); err != nil {
		s.writeError(x, err)
	}

	if s.ObserveRequest != nil {
		s.ObserveRequest(RequestEvent{
			Route:    x.route,
			Method:   r.Method,
			Status:   sw.status,
			Duration: s.now().Sub(start),
		})
	}
}

func (s *Server) route(x *exchange) error {
	prefix := strings.TrimRight(s.Prefix, "/")
	p := x.r.URL.Path
	if !strings.HasPrefix(p, prefix+"/") {
		return methodNotAllowed()
	}
	rest := p[len(prefix)+1:]
	method := x.r.Method

	head, tail, _ := strings.Cut(rest, "/")
	switch {
	case rest == "":
		x.route = "/"
		if method == http.MethodGet {
			return s.listEndpoints(x, prefix)
		}
	case rest == "configuration/":
		x.route = "/configuration/"
		switch method {
		case http.MethodGet:
			return s.getConfiguration(x)
		case http.MethodPost:
			return s.setConfiguration(x)
		}
	case rest == "monitor/":
		x.route = "/monitor/"
		if method == http.MethodGet {
			return s.getMonitorInformation(x)
		}
	case head == "monitor" && isSegment(tail):
		x.route = "/monitor/{queue}"
		if method == http.MethodGet {
			return s.listQueueItems(x, tail)
		}
	case head == "enqueue" && isSegment(strings.TrimSuffix(tail, "/")) && strings.HasSuffix(tail, "/"):
		x.route = "/enqueue/{queue}/"
		if method == http.MethodPut {
			return s.enqueue(x, strings.TrimSuffix(tail, "/"))
		}
	case rest == "queues/":
		x.route = "/queues/"
		switch method {
		case http.MethodGet:
			if x.flag("count") {
				return s.getQueuesCount(x)
			}
			return s.listQueues(x)
		case http.MethodPost:
			return s.bulkDeleteQueues(x)
		}
	case head == "queues" && isSegment(tail):
		x.route = "/queues/{queue}"
		switch method {
		case http.MethodGet:
			if x.flag("count") {
				return s.getQueueItemsCount(x, tail)
			}
			return s.listQueueItems(x, tail)
		case http.MethodDelete:
			return s.deleteAllQueueItems(x, tail)
		}
	case head == "queues":
		return s.routeQueueItem(x, tail)
	case rest == "locks/":
		x.route = "/locks/"
		switch method {
		case http.MethodGet:
			return s.getAllLocks(x)
		case http.MethodDelete:
			return s.deleteAllLocks(x)
		case http.MethodPost:
			return s.bulkPutOrDeleteLocks(x)
		}
	case head == "locks" && isSegment(tail):
		x.route = "/locks/{queue}"
		switch method {
		case http.MethodPut:
			return s.putLock(x, tail)
		case http.MethodGet:
			return s.getLock(x, tail)
		case http.MethodDelete:
			return s.deleteLock(x, tail)
		}
	}
	return methodNotAllowed()
}

// routeQueueItem serves queues/{queue}/ and queues/{queue}/{index}.
func (s *Server) routeQueueItem(x *exchange, tail string) error {
	queue, index, ok := strings.Cut(tail, "/")
	if !ok || !isSegment(queue) || strings.Contains(index, "/") {
		return methodNotAllowed()
	}
	method := x.r.Method
	if index == "" {
		x.route = "/queues/{queue}/"
		if method == http.MethodPost {
			return s.addQueueItem(x, queue)
		}
		return methodNotAllowed()
	}

	x.route = "/queues/{queue}/{index}"
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		return methodNotAllowed()
	}
	n, err := parseIndex(index)
	if err != nil {
		return badInput("Index must be a non-negative integer: " + index)
	}
	switch method {
	case http.MethodGet:
		return s.getQueueItem(x, queue, n)
	case http.MethodPut:
		return s.replaceQueueItem(x, queue, n)
	default:
		return s.deleteQueueItem(x, queue, n)
	}
}

func (s *Server) call(x *exchange, op engine.Operation, p engine.Payload) (engine.Reply, error) {
	reply, err := engine.Call(x.r.Context(), s.Engine, engine.Request{Operation: op, Payload: p})
	if err != nil {
		x.log.Warn("engine_request_failed",
			slog.String("operation", string(op)),
			slog.String("queue", p.Queue),
			slog.Any("err", err),
		)
		return engine.Reply{}, internal("", err)
	}
	return reply, nil
}

func (s *Server) audit(x *exchange, op engine.Operation, queue string, count int64) {
	if s.Audit == nil {
		return
	}
	status := http.StatusOK
	if sw, ok := x.w.(*statusWriter); ok {
		status = sw.status
	}
	s.Audit(AuditEvent{
		At:        s.now(),
		Operation: op,
		Queue:     queue,
		Actor:     x.user,
		RequestID: x.id,
		Status:    status,
		Count:     count,
	})
}

func (s *Server) readBody(x *exchange) ([]byte, error) {
	if x.r.Body == nil {
		return nil, badInput("request body is missing")
	}
	maxBytes := s.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(x.r.Body, maxBytes+1))
	if err != nil {
		return nil, badInput(err.Error())
	}
	if int64(len(body)) > maxBytes {
		return nil, badInput(errRequestBodyTooLarge.Error())
	}
	return body, nil
}

func (s *Server) writeError(x *exchange, err error) {
	kind := KindOf(err)
	if kind == KindInternal {
		x.log.Error("request_failed", slog.String("route", x.route), slog.Any("err", err))
	} else {
		x.log.Info("request_rejected",
			slog.String("route", x.route),
			slog.String("kind", kind.String()),
			slog.String("message", bodyOf(err)),
		)
	}
	writeText(x.w, kind.Status(), bodyOf(err))
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func methodNotAllowed() *Error {
	return &Error{Kind: KindMethodNotAllowed}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return internal("", err)
	}
	writeRawJSON(w, b)
	return nil
}

func writeRawJSON(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bytes.TrimSpace(b))
}

func isSegment(s string) bool {
	return s != "" && !strings.Contains(s, "/")
}

func lastSegment(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	return parts[len(parts)-1]
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
