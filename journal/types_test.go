package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDisabledEvents(t *testing.T) {
	evts, err := ParseDisabledEvents(" aggregate:offered, piece:accepted ")
	require.NoError(t, err)
	require.Equal(t, DisabledEvents{
		{System: "aggregate", Event: "offered"},
		{System: "piece", Event: "accepted"},
	}, evts)

	_, err = ParseDisabledEvents("aggregate")
	require.Error(t, err)

	evts, err = ParseDisabledEvents("")
	require.NoError(t, err)
	require.Empty(t, evts)
}

func TestRegistry(t *testing.T) {
	reg := NewEventTypeRegistry(DisabledEvents{{System: "piece", Event: "accepted"}})

	require.True(t, reg.RegisterEventType("aggregate", "offered").Enabled())
	require.False(t, reg.RegisterEventType("piece", "accepted").Enabled())

	// zero values are never enabled
	require.False(t, EventType{System: "aggregate", Event: "offered"}.Enabled())

	MaybeRecordEvent(nil, EventType{}, func() interface{} { panic("not called") })
	MaybeRecordEvent(NilJournal(), EventType{}, func() interface{} { panic("not called") })
}
