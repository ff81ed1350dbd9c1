package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"symphony/pkg/model"
	"symphony/pkg/schema"
)

// customPing 测试用的扩展事件类型
type customPing struct {
	Header
	Payload string `json:"payload" schema:"required"`
}

func (*customPing) Discriminator() string { return "CustomPing" }

func sampleEvents() []Event {
	h := Header{ID: model.Some(int64(7)), RunnerID: 3}
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	return []Event{
		&Ack{Header: h, ToAckID: 6},
		&RunnerHeartbeat{Header: h},
		&RunnerStateChange{Header: h, OldStatus: model.RunnerHealthy, NewStatus: model.RunnerOffline},
		&RunFragmentStateChange{Header: h, RunFragmentID: 11, State: model.RunRunning},
		&SimulatorStateChange{Header: h, RunID: 1, SimulatorID: 2, SimulatorName: model.Some("host"), State: model.ComponentStarting},
		&ProxyStateChange{Header: h, RunID: 1, ProxyID: 4, IP: model.Some("10.0.0.1"), Port: model.Some(9000), State: model.ComponentRunning},
		&ConsoleOutput{Header: h, RunID: 1, Kind: model.KindProxy, ComponentID: 4, Command: "serve",
			Lines: []model.ConsoleOutputLine{{ProducedAt: at, Output: "listening", IsStderr: false}}},
		&StartRun{Header: h, RunFragmentID: 11, RunID: 1, Fragment: model.Fragment{ID: model.Some(int64(5)), RunnerTags: []string{"gpu"}}},
		&KillRun{Header: h, RunFragmentID: 11},
	}
}

func TestBuiltins_RoundTrip(t *testing.T) {
	evs := sampleEvents()
	require.Len(t, evs, len(Builtins()), "every builtin has a sample")

	recs, err := DumpEvents(evs)
	require.NoError(t, err)
	for i, rec := range recs {
		require.Equal(t, evs[i].Discriminator(), rec[DiscriminatorField])
	}

	back, err := ParseEvents(recs)
	require.NoError(t, err)
	require.Equal(t, evs, back)
}

func TestEncodeDecode_Wire(t *testing.T) {
	for _, ev := range sampleEvents() {
		data, err := Encode(ev)
		require.NoError(t, err)
		got, err := Default().Decode(data)
		require.NoError(t, err, ev.Discriminator())
		require.Equal(t, ev, got)
	}
}

func TestParse_DiscriminatorErrors(t *testing.T) {
	_, err := ParseEvent(schema.Record{"runner_id": 1})
	require.ErrorIs(t, err, ErrMissingDiscriminator)

	_, err = ParseEvent(schema.Record{DiscriminatorField: nil, "runner_id": 1})
	require.ErrorIs(t, err, ErrMissingDiscriminator)

	_, err = ParseEvent(schema.Record{DiscriminatorField: "Teleport", "runner_id": 1})
	require.ErrorIs(t, err, ErrUnknownDiscriminator)

	_, err = ParseEvent(schema.Record{DiscriminatorField: 5, "runner_id": 1})
	require.ErrorIs(t, err, schema.ErrValidation)
}

func TestParse_ValidatesSubtypeFields(t *testing.T) {
	_, err := ParseEvent(schema.Record{DiscriminatorField: "Ack", "runner_id": 1})
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "to_ack_id", verr.Path)

	_, err = ParseEvent(schema.Record{DiscriminatorField: "RunnerHeartbeat"})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "runner_id", verr.Path, "header fields are required too")

	_, err = ParseEvent(schema.Record{DiscriminatorField: "RunFragmentStateChange", "runner_id": 1,
		"run_fragment_id": 2, "state": "paused"})
	require.ErrorIs(t, err, schema.ErrValidation)
}

func TestParse_RunnerStateChangeDefaults(t *testing.T) {
	ev, err := ParseEvent(schema.Record{DiscriminatorField: "RunnerStateChange", "runner_id": 1})
	require.NoError(t, err)
	rsc, ok := ev.(*RunnerStateChange)
	require.True(t, ok)
	require.Equal(t, model.RunnerHealthy, rsc.OldStatus)
	require.Equal(t, model.RunnerHealthy, rsc.NewStatus)
	require.False(t, rsc.Acknowledged)
}

func TestRegistry_Extension(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Builtins()...)
	require.NoError(t, r.Register(func() Event { return &customPing{} }))

	err := r.Register(func() Event { return &Ack{} })
	require.ErrorIs(t, err, ErrDuplicateDiscriminator)

	ev, err := r.Parse(schema.Record{DiscriminatorField: "CustomPing", "runner_id": 2, "payload": "hi"})
	require.NoError(t, err)
	require.Equal(t, "hi", ev.(*customPing).Payload)

	// 第一次 Parse 之后注册表被封存
	err = r.Register(func() Event { return &customPing{} })
	require.ErrorIs(t, err, ErrRegistrySealed)

	require.Contains(t, r.Discriminators(), "CustomPing")
	_, err = ParseEvent(schema.Record{DiscriminatorField: "CustomPing", "runner_id": 2, "payload": "hi"})
	require.ErrorIs(t, err, ErrUnknownDiscriminator, "the default registry is separate")
}

func TestAckFor(t *testing.T) {
	require.Nil(t, AckFor(&RunnerHeartbeat{}, 1), "events without an id cannot be acked")

	ack := AckFor(&KillRun{Header: Header{ID: model.Some(int64(9))}}, 4)
	require.NotNil(t, ack)
	require.Equal(t, int64(9), ack.ToAckID)
	require.Equal(t, int64(4), ack.RunnerID)
}
