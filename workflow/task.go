package workflow

import (
	"time"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/lib/cborutil"
)

func init() {
	cbor.RegisterCborType(Task{})
	cbor.RegisterCborType(Failure{})
	cbor.RegisterCborType(Out{})
	cbor.RegisterCborType(Receipt{})
	cbor.RegisterCborType(receiptRef{})
}

// Task describes an invocation of Ability on Audience by Issuer. Its
// content address identifies the work independent of whether or when it
// runs, so tasks carry no nonce or timestamp.
type Task struct {
	Issuer   string
	Audience string
	Ability  string
	Args     []byte
}

func NewTask(issuer, audience, ability string, args interface{}) (Task, error) {
	b, err := cborutil.Dump(args)
	if err != nil {
		return Task{}, api.Wrap(api.EncodeRecordFailed, err, "encoding "+ability+" arguments")
	}
	return Task{
		Issuer:   issuer,
		Audience: audience,
		Ability:  ability,
		Args:     b,
	}, nil
}

func (t Task) Cid() (cid.Cid, error) {
	c, err := cborutil.Cid(t)
	if err != nil {
		return cid.Undef, api.Wrap(api.EncodeRecordFailed, err, "addressing task")
	}
	return c, nil
}

func (t Task) DecodeArgs(out interface{}) error {
	if err := cborutil.Decode(t.Args, out); err != nil {
		return api.Wrap(api.InvalidArgument, err, t.Ability+" arguments")
	}
	return nil
}

func (t Task) String() string {
	return t.Issuer + " -> " + t.Audience + " " + t.Ability
}

// Failure is the error half of a receipt outcome.
type Failure struct {
	Kind    api.Kind
	Message string
}

// FailureOf records err as a failure. Unclassified errors, including
// context cancellation, keep an empty kind and stay retryable.
func FailureOf(err error) *Failure {
	return &Failure{Kind: api.KindOf(err), Message: err.Error()}
}

func (f *Failure) Err() error {
	if f.Kind == "" {
		return xerrors.New(f.Message)
	}
	return &api.Error{Kind: f.Kind, Err: xerrors.New(f.Message)}
}

// Retryable reports whether running the task again may succeed.
func (f *Failure) Retryable() bool {
	return api.Retryable(f.Err())
}

type Out struct {
	Ok  []byte
	Err *Failure
}

// Receipt records the outcome of running the task Ran, together with the
// follow-up tasks it declared. Fork effects run independently, Join is the
// continuation of the task. Expires, when set, bounds the validity of a
// resource granted by the receipt.
type Receipt struct {
	Ran     cid.Cid
	Issuer  string
	Out     Out
	Fork    []cid.Cid
	Join    *cid.Cid
	Expires *time.Time
}

func (r Receipt) Cid() (cid.Cid, error) {
	c, err := cborutil.Cid(r)
	if err != nil {
		return cid.Undef, api.Wrap(api.EncodeRecordFailed, err, "addressing receipt")
	}
	return c, nil
}

// Result decodes a successful outcome into out, or returns the failure.
func (r Receipt) Result(out interface{}) error {
	if r.Out.Err != nil {
		return r.Out.Err.Err()
	}
	if err := cborutil.Decode(r.Out.Ok, out); err != nil {
		return api.Wrap(api.DecodeBlockOperationFailed, err, "receipt result")
	}
	return nil
}

func (r Receipt) Expired(now time.Time) bool {
	return r.Expires != nil && !now.Before(*r.Expires)
}

// Outcome is the value a capability handler returns, along with the
// effects to attach to its receipt.
type Outcome[T any] struct {
	Value   T
	Forks   []Task
	Join    *Task
	Expires *time.Time
}

func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

func (o Outcome[T]) Fork(tasks ...Task) Outcome[T] {
	o.Forks = append(o.Forks, tasks...)
	return o
}

func (o Outcome[T]) JoinTo(t Task) Outcome[T] {
	o.Join = &t
	return o
}

func (o Outcome[T]) ExpiresAt(at time.Time) Outcome[T] {
	at = at.UTC()
	o.Expires = &at
	return o
}
