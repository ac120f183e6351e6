package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"op":"ready","resumed":true,"sessionId":"abc"}`))
		require.NoError(t, err)
		ready, ok := msg.(*Ready)
		require.True(t, ok)
		assert.Equal(t, "abc", ready.SessionID)
		assert.True(t, ready.Resumed)
	})

	t.Run("stats", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"op":"stats","players":3,"playingPlayers":1,"cpu":{"cores":4,"systemLoad":0.5,"lavalinkLoad":0.1},"frameStats":{"sent":3000,"nulled":10,"deficit":-1}}`))
		require.NoError(t, err)
		stats, ok := msg.(*StatsMessage)
		require.True(t, ok)
		assert.Equal(t, 3, stats.Players)
		assert.InDelta(t, 0.5, stats.CPU.SystemLoad, 1e-9)
		require.NotNil(t, stats.FrameStats)
		assert.Equal(t, -1, stats.FrameStats.Deficit)
	})

	t.Run("player update", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"op":"playerUpdate","guildId":"1","state":{"time":10,"position":2000,"connected":true,"ping":30}}`))
		require.NoError(t, err)
		up, ok := msg.(*PlayerUpdate)
		require.True(t, ok)
		assert.Equal(t, "1", up.GuildID)
		assert.Equal(t, int64(2000), up.State.Position)
		assert.True(t, up.State.Connected)
	})

	t.Run("event without op", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"type":"TrackStuckEvent","guildId":"9","thresholdMs":4000}`))
		require.NoError(t, err)
		stuck, ok := msg.(*TrackStuck)
		require.True(t, ok)
		assert.Equal(t, "9", stuck.Guild())
		assert.Equal(t, int64(4000), stuck.ThresholdMs)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"op":`))
		assert.Error(t, err)
	})

	t.Run("missing op", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{}`))
		assert.ErrorIs(t, err, ErrMissingOp)
	})

	t.Run("unknown event", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"op":"event","type":"NopeEvent","guildId":"1"}`))
		assert.Error(t, err)
	})
}

func TestEndReason(t *testing.T) {
	tests := []struct {
		raw       string
		want      EndReason
		startNext bool
	}{
		{`"finished"`, EndReasonFinished, true},
		{`"FINISHED"`, EndReasonFinished, true},
		{`"loadFailed"`, EndReasonLoadFailed, true},
		{`"LOAD_FAILED"`, EndReasonLoadFailed, true},
		{`"stopped"`, EndReasonStopped, false},
		{`"REPLACED"`, EndReasonReplaced, false},
		{`"cleanup"`, EndReasonCleanup, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			var r EndReason
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &r))
			assert.Equal(t, tt.want, r)
			assert.Equal(t, tt.startNext, r.MayStartNext())
		})
	}
}

func TestLoadResult(t *testing.T) {
	t.Run("search", func(t *testing.T) {
		var r LoadResult
		require.NoError(t, json.Unmarshal([]byte(`{"loadType":"search","data":[{"encoded":"a","info":{"title":"A"}},{"encoded":"b","info":{"title":"B"}}]}`), &r))
		assert.Equal(t, LoadTypeSearch, r.LoadType)
		assert.Len(t, r.All(), 2)
	})

	t.Run("playlist", func(t *testing.T) {
		var r LoadResult
		require.NoError(t, json.Unmarshal([]byte(`{"loadType":"playlist","data":{"info":{"name":"mix","selectedTrack":-1},"tracks":[{"encoded":"a","info":{}}]}}`), &r))
		require.NotNil(t, r.Playlist)
		assert.Equal(t, "mix", r.Playlist.Info.Name)
		assert.Len(t, r.All(), 1)
	})

	t.Run("error", func(t *testing.T) {
		var r LoadResult
		require.NoError(t, json.Unmarshal([]byte(`{"loadType":"error","data":{"message":"boom","severity":"fault","cause":"x"}}`), &r))
		require.NotNil(t, r.Exception)
		assert.Equal(t, SeverityFault, r.Exception.Severity)
		assert.Empty(t, r.All())
	})

	t.Run("empty", func(t *testing.T) {
		var r LoadResult
		require.NoError(t, json.Unmarshal([]byte(`{"loadType":"empty","data":{}}`), &r))
		assert.Empty(t, r.All())
	})
}

func TestUpdatePlayerStopMarshalsNull(t *testing.T) {
	b, err := json.Marshal(UpdatePlayer{Track: StopTrack()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"track":{"encoded":null}}`, string(b))

	b, err = json.Marshal(UpdatePlayer{Filters: &Filters{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"filters":{}}`, string(b))
}

func TestFilters(t *testing.T) {
	base := Filters{"volume": 1.0, "timescale": map[string]any{"speed": 1.2}}
	merged := base.Merge(Filters{"volume": 2.0, "timescale": nil})
	assert.Equal(t, Filters{"volume": 2.0}, merged)
	assert.Equal(t, 1.0, base["volume"])

	assert.NoError(t, Filters{"volume": 5}.Validate())
	assert.NoError(t, Filters{}.Validate())
	assert.Error(t, Filters{"volume": 5.5}.Validate())
	assert.Error(t, Filters{"volume": -1.0}.Validate())
	assert.Error(t, Filters{"volume": "loud"}.Validate())
}
