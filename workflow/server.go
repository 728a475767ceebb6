package workflow

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/lib/cborutil"
	"github.com/filecoin-project/dealpipe/metrics"
)

var log = logging.Logger("workflow")

// Invoker runs a task and returns its receipt. An error means no receipt
// could be produced; handler failures are reported inside the receipt.
type Invoker interface {
	Invoke(ctx context.Context, t Task) (Receipt, error)
}

// Invocation is the task being served, as seen by a handler.
type Invocation struct {
	Task Task
	Cid  cid.Cid
}

type outcome struct {
	ok      []byte
	forks   []Task
	join    *Task
	expires *time.Time
}

type handlerFunc func(ctx context.Context, inv Invocation) (outcome, error)

// Server serves the abilities of one service identity.
type Server struct {
	id       string
	auth     Authorizer
	tasks    *TaskStore
	receipts *ReceiptStore

	handlers map[string]handlerFunc
}

func NewServer(id string, auth Authorizer, tasks *TaskStore, receipts *ReceiptStore) *Server {
	if auth == nil {
		auth = AllowAll
	}
	return &Server{
		id:       id,
		auth:     auth,
		tasks:    tasks,
		receipts: receipts,
		handlers: map[string]handlerFunc{},
	}
}

func (s *Server) ID() string { return s.id }

// Provide registers h for ability on s. Arguments are decoded into A and
// the outcome value of type T is encoded into the receipt.
func Provide[A, T any](s *Server, ability string, h func(ctx context.Context, inv Invocation, args A) (Outcome[T], error)) {
	s.handlers[ability] = func(ctx context.Context, inv Invocation) (outcome, error) {
		var args A
		if err := inv.Task.DecodeArgs(&args); err != nil {
			return outcome{}, err
		}
		res, err := h(ctx, inv, args)
		if err != nil {
			return outcome{}, err
		}
		ok, err := cborutil.Dump(res.Value)
		if err != nil {
			return outcome{}, api.Wrap(api.EncodeRecordFailed, err, "encoding "+ability+" result")
		}
		return outcome{ok: ok, forks: res.Forks, join: res.Join, expires: res.Expires}, nil
	}
}

// Invoke runs t and stores its receipt.
func (s *Server) Invoke(ctx context.Context, t Task) (Receipt, error) {
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Ability, t.Ability))
	stop := metrics.Timer(ctx, metrics.InvocationMs)
	defer stop()

	c, err := s.tasks.Put(ctx, t)
	if err != nil {
		return Receipt{}, err
	}

	r := Receipt{Ran: c, Issuer: s.id}
	res, err := s.run(ctx, Invocation{Task: t, Cid: c})
	if err != nil {
		log.Debugw("task failed", "task", c, "ability", t.Ability, "error", err)
		fctx, _ := tag.New(ctx, tag.Upsert(metrics.FailureType, string(api.KindOf(err))))
		stats.Record(fctx, metrics.InvocationFailure.M(1))
		r.Out.Err = FailureOf(err)
	} else {
		r.Out.Ok = res.ok
		for _, f := range res.forks {
			fc, err := s.tasks.Put(ctx, f)
			if err != nil {
				return Receipt{}, err
			}
			r.Fork = append(r.Fork, fc)
		}
		if res.join != nil {
			jc, err := s.tasks.Put(ctx, *res.join)
			if err != nil {
				return Receipt{}, err
			}
			r.Join = &jc
		}
		r.Expires = res.expires
	}

	if _, err := s.receipts.Put(ctx, r); err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (s *Server) run(ctx context.Context, inv Invocation) (outcome, error) {
	if inv.Task.Audience != s.id {
		return outcome{}, api.Errorf(api.Unauthorized, "task for %s sent to %s", inv.Task.Audience, s.id)
	}
	if err := s.auth.Authorize(ctx, inv.Task); err != nil {
		return outcome{}, err
	}
	h, ok := s.handlers[inv.Task.Ability]
	if !ok {
		return outcome{}, api.Errorf(api.InvalidArgument, "%s does not provide %s", s.id, inv.Task.Ability)
	}
	return h(ctx, inv)
}

// Router delivers tasks to the server named by their audience.
type Router struct {
	servers map[string]Invoker
}

func NewRouter() *Router {
	return &Router{servers: map[string]Invoker{}}
}

func (r *Router) Register(id string, inv Invoker) {
	r.servers[id] = inv
}

func (r *Router) Invoke(ctx context.Context, t Task) (Receipt, error) {
	srv, ok := r.servers[t.Audience]
	if !ok {
		return Receipt{}, api.Errorf(api.InvalidArgument, "no route to %s", t.Audience)
	}
	return srv.Invoke(ctx, t)
}
