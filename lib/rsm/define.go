package rsm

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// Definition describes a resource kind with typed state S, command C and
// result R. C is usually a struct with an op enum and the operands of every
// op; Apply and Query switch over the op exhaustively.
//
// A returned error rejects the command and the caller receives
// InvalidOperation with the error message. Apply must validate before it
// mutates: the host keeps the state value it passed in. A panic marks the
// replica as divergent.
//
// The state is snapshotted with encoding/json, which writes map keys in
// sorted order, so S must encode deterministically.
type Definition[S, C, R any] struct {
	Name  string
	Init  func() S
	Apply func(state S, cmd C, meta Meta) (S, R, error)
	Query func(state S, cmd C, meta Meta) (R, error)
}

// Kind returns the type-erased kind of the definition.
func (d Definition[S, C, R]) Kind() Kind {
	return definedKind[S, C, R]{d: d}
}

type definedKind[S, C, R any] struct {
	d Definition[S, C, R]
}

func (k definedKind[S, C, R]) Name() string {
	return k.d.Name
}

func (k definedKind[S, C, R]) New() any {
	if k.d.Init == nil {
		var zero S
		return zero
	}
	return k.d.Init()
}

func (k definedKind[S, C, R]) Apply(state any, in Input) (any, []byte, error) {
	s, cmd, err := k.decode(state, in)
	if err != nil {
		return state, nil, err
	}
	if k.d.Apply == nil {
		return state, nil, primitive.Errorf(primitive.RetCInvalidOperation, "kind %q does not accept commands", k.d.Name)
	}
	next, res, err := k.d.Apply(s, cmd, in.Meta)
	if err != nil {
		return state, nil, err
	}
	data, err := in.Codec.Marshal(res)
	if err != nil {
		return next, nil, primitive.Errorf(primitive.RetCSerializationError, "encode result: %v", err)
	}
	return next, data, nil
}

func (k definedKind[S, C, R]) Query(state any, in Input) ([]byte, error) {
	s, cmd, err := k.decode(state, in)
	if err != nil {
		return nil, err
	}
	if k.d.Query == nil {
		return nil, primitive.Errorf(primitive.RetCInvalidOperation, "kind %q does not accept queries", k.d.Name)
	}
	res, err := k.d.Query(s, cmd, in.Meta)
	if err != nil {
		return nil, err
	}
	data, err := in.Codec.Marshal(res)
	if err != nil {
		return nil, primitive.Errorf(primitive.RetCSerializationError, "encode result: %v", err)
	}
	return data, nil
}

func (k definedKind[S, C, R]) MarshalState(state any) ([]byte, error) {
	return json.Marshal(state)
}

func (k definedKind[S, C, R]) UnmarshalState(data []byte) (any, error) {
	s, ok := k.New().(S)
	if !ok {
		return nil, fmt.Errorf("kind %q: unexpected state type", k.d.Name)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// decode casts the state and decodes the command of an input
func (k definedKind[S, C, R]) decode(state any, in Input) (S, C, error) {
	var cmd C
	s, ok := state.(S)
	if !ok {
		return s, cmd, primitive.Errorf(primitive.RetCInternalError, "kind %q: unexpected state type %T", k.d.Name, state)
	}
	if err := in.Codec.Unmarshal(in.Payload, &cmd); err != nil {
		return s, cmd, primitive.Errorf(primitive.RetCSerializationError, "decode command: %v", err)
	}
	return s, cmd, nil
}
