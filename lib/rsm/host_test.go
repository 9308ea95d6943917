package rsm

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterCmd struct {
	Delta int64
	Panic bool
}

var counterKind = Definition[int64, counterCmd, int64]{
	Name: "counter",
	Apply: func(s int64, cmd counterCmd, _ Meta) (int64, int64, error) {
		if cmd.Panic {
			panic("boom")
		}
		if s+cmd.Delta < 0 {
			return s, 0, errors.New("counter would become negative")
		}
		return s + cmd.Delta, s + cmd.Delta, nil
	},
	Query: func(s int64, _ counterCmd, _ Meta) (int64, error) {
		return s, nil
	},
}.Kind()

type registerState struct {
	Values map[string]string
}

type registerCmd struct {
	Key   string
	Value string
}

var registerKind = Definition[registerState, registerCmd, string]{
	Name: "register",
	Init: func() registerState { return registerState{Values: map[string]string{}} },
	Apply: func(s registerState, cmd registerCmd, meta Meta) (registerState, string, error) {
		s.Values[cmd.Key] = cmd.Value + "@" + meta.Time.UTC().Format(time.RFC3339)
		return s, s.Values[cmd.Key], nil
	},
}.Kind()

func command(t *testing.T, token Token, resource string, cmd any) []byte {
	t.Helper()
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	kind := "counter"
	if _, ok := cmd.(registerCmd); ok {
		kind = "register"
	}
	e := Envelope{Op: OpCommand, Codec: CodecJSON, Timestamp: 1700000000000, Token: token, Kind: kind, Resource: resource, Payload: payload}
	return e.Serialize()
}

func query(t *testing.T, resource string) []byte {
	t.Helper()
	e := Envelope{Op: OpQuery, Codec: CodecJSON, Kind: "counter", Resource: resource, Payload: []byte(`{}`)}
	return e.Serialize()
}

func decodeInt(t *testing.T, r Result) int64 {
	t.Helper()
	require.NoError(t, r.Err())
	var v int64
	require.NoError(t, json.Unmarshal(r.Data, &v))
	return v
}

func newHost() *Host {
	return NewHost(NewRegistry(counterKind, registerKind), HostConfig{})
}

func TestHostAppliesInOrder(t *testing.T) {
	h := newHost()

	res, err := h.Apply(1, command(t, Token{1}, "c", counterCmd{Delta: 5}))
	require.NoError(t, err)
	assert.Equal(t, int64(5), decodeInt(t, res))

	res, err = h.Apply(2, command(t, Token{2}, "c", counterCmd{Delta: 3}))
	require.NoError(t, err)
	assert.Equal(t, int64(8), decodeInt(t, res))

	// linearizable read through the log
	res, err = h.Apply(3, query(t, "c"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), decodeInt(t, res))

	// sequential read of the applied state
	assert.Equal(t, int64(8), decodeInt(t, h.Read(query(t, "c"))))
	assert.Equal(t, primitive.Index(3), h.Applied())
}

func TestHostRejectsRegression(t *testing.T) {
	h := newHost()
	_, err := h.Apply(5, NoopEntry())
	require.NoError(t, err)

	_, err = h.Apply(5, NoopEntry())
	require.Error(t, err)
	assert.True(t, errors.Is(err, primitive.ErrApply))
	assert.NotNil(t, h.Divergent())

	// everything after that is rejected
	res, err := h.Apply(6, NoopEntry())
	require.Error(t, err)
	assert.Equal(t, primitive.RetCApplyError, res.Code)
}

func TestHostAcceptsIndexJumps(t *testing.T) {
	h := newHost()
	_, err := h.Apply(1, NoopEntry())
	require.NoError(t, err)
	_, err = h.Apply(4, NoopEntry())
	require.NoError(t, err)
	assert.Nil(t, h.Divergent())
	assert.Equal(t, primitive.Index(4), h.Applied())
}

func TestHostIdempotentRetry(t *testing.T) {
	h := newHost()

	cmd := command(t, Token{9}, "c", counterCmd{Delta: 1})
	first, err := h.Apply(1, cmd)
	require.NoError(t, err)
	// the same command committed twice (client retry after a lost response)
	second, err := h.Apply(2, cmd)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), decodeInt(t, h.Read(query(t, "c"))))
}

func TestHostDedupWindow(t *testing.T) {
	h := NewHost(NewRegistry(counterKind), HostConfig{DedupWindow: 2})

	cmd := command(t, Token{7}, "c", counterCmd{Delta: 1})
	_, err := h.Apply(1, cmd)
	require.NoError(t, err)
	_, err = h.Apply(2, NoopEntry())
	require.NoError(t, err)
	_, err = h.Apply(3, NoopEntry())
	require.NoError(t, err)

	// the token fell out of the window, the command applies again
	_, err = h.Apply(4, cmd)
	require.NoError(t, err)
	assert.Equal(t, int64(2), decodeInt(t, h.Read(query(t, "c"))))
}

func TestHostRejectionsAndFaults(t *testing.T) {
	tests := []struct {
		name      string
		entry     func(t *testing.T) []byte
		code      primitive.RetCode
		divergent bool
	}{
		{
			name:  "domain rejection",
			entry: func(t *testing.T) []byte { return command(t, Token{}, "c", counterCmd{Delta: -1}) },
			code:  primitive.RetCInvalidOperation,
		},
		{
			name: "unknown kind",
			entry: func(t *testing.T) []byte {
				e := Envelope{Op: OpCommand, Kind: "nope", Resource: "x", Payload: []byte(`{}`)}
				return e.Serialize()
			},
			code: primitive.RetCInvalidOperation,
		},
		{
			name:  "malformed entry",
			entry: func(t *testing.T) []byte { return []byte{1, 2, 3} },
			code:  primitive.RetCSerializationError,
		},
		{
			name: "malformed payload",
			entry: func(t *testing.T) []byte {
				e := Envelope{Op: OpCommand, Kind: "counter", Resource: "c", Payload: []byte(`{`)}
				return e.Serialize()
			},
			code: primitive.RetCSerializationError,
		},
		{
			name:      "panicking transition",
			entry:     func(t *testing.T) []byte { return command(t, Token{}, "c", counterCmd{Panic: true}) },
			code:      primitive.RetCApplyError,
			divergent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost()
			res, err := h.Apply(1, tt.entry(t))
			assert.Equal(t, tt.code, res.Code)
			assert.Equal(t, tt.divergent, err != nil)
			assert.Equal(t, tt.divergent, h.Divergent() != nil)
		})
	}
}

func TestHostKindMismatch(t *testing.T) {
	h := newHost()
	_, err := h.Apply(1, command(t, Token{}, "shared", counterCmd{Delta: 1}))
	require.NoError(t, err)

	res, err := h.Apply(2, command(t, Token{}, "shared", registerCmd{Key: "a", Value: "b"}))
	require.NoError(t, err)
	assert.Equal(t, primitive.RetCInvalidOperation, res.Code)
}

func TestHostUsesSubmitterTime(t *testing.T) {
	h := newHost()
	res, err := h.Apply(1, command(t, Token{}, "r", registerCmd{Key: "a", Value: "v"}))
	require.NoError(t, err)

	var got string
	require.NoError(t, json.Unmarshal(res.Data, &got))
	assert.Equal(t, "v@2023-11-14T22:13:20Z", got)
}

func TestHostSnapshotConvergence(t *testing.T) {
	entries := [][]byte{
		command(t, Token{1}, "c1", counterCmd{Delta: 4}),
		command(t, Token{2}, "r", registerCmd{Key: "z", Value: "1"}),
		command(t, Token{3}, "r", registerCmd{Key: "a", Value: "2"}),
		command(t, Token{4}, "c2", counterCmd{Delta: 1}),
		NoopEntry(),
	}

	a, b := newHost(), newHost()
	for i, e := range entries {
		_, err := a.Apply(primitive.Index(i+1), e)
		require.NoError(t, err)
		_, err = b.Apply(primitive.Index(i+1), e)
		require.NoError(t, err)
	}

	var bufA, bufB bytes.Buffer
	require.NoError(t, a.Save(&bufA))
	require.NoError(t, b.Save(&bufB))
	assert.Equal(t, bufA.Bytes(), bufB.Bytes(), "replicas with equal logs must save equal bytes")

	// restore into a fresh host and continue
	c := newHost()
	require.NoError(t, c.Load(bytes.NewReader(bufA.Bytes())))
	assert.Equal(t, primitive.Index(5), c.Applied())
	assert.Equal(t, []string{"c1", "c2", "r"}, c.Resources())
	assert.Equal(t, int64(4), decodeInt(t, c.Read(query(t, "c1"))))

	// the dedup table survived the snapshot
	res, err := c.Apply(6, entries[0])
	require.NoError(t, err)
	assert.Equal(t, int64(4), decodeInt(t, res))
	assert.Equal(t, int64(4), decodeInt(t, c.Read(query(t, "c1"))))
}
