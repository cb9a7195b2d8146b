package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type pollSettings struct {
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`
	StopTimeout  Duration `yaml:"stop_timeout" json:"stop_timeout" toml:"stop_timeout"`
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "400ms", want: 400 * time.Millisecond},
		{input: "12s", want: 12 * time.Second},
		{input: "1h30m", want: 90 * time.Minute},
		{input: "0s", want: 0},
		{input: "-5s", want: -5 * time.Second},
		{input: "12", wantErr: true},
		{input: "fast", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				require.ErrorContains(t, err, "failed to parse duration")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, d.Duration)
		})
	}
}

func TestDuration_ConfigFormats(t *testing.T) {
	want := pollSettings{
		PollInterval: NewDuration(12 * time.Second),
		StopTimeout:  NewDuration(30 * time.Second),
	}

	t.Run("yaml", func(t *testing.T) {
		var got pollSettings
		require.NoError(t, yaml.Unmarshal([]byte("poll_interval: 12s\nstop_timeout: 30s\n"), &got))
		require.Equal(t, want, got)
	})

	t.Run("json", func(t *testing.T) {
		var got pollSettings
		require.NoError(t, json.Unmarshal([]byte(`{"poll_interval":"12s","stop_timeout":"30s"}`), &got))
		require.Equal(t, want, got)
	})

	t.Run("toml", func(t *testing.T) {
		var got pollSettings
		_, err := toml.Decode("poll_interval = \"12s\"\nstop_timeout = \"30s\"\n", &got)
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("json rejects numbers", func(t *testing.T) {
		var got pollSettings
		require.Error(t, json.Unmarshal([]byte(`{"poll_interval":12}`), &got))
	})
}

func TestDuration_MarshalRoundtrip(t *testing.T) {
	in := pollSettings{
		PollInterval: NewDuration(400 * time.Millisecond),
		StopTimeout:  NewDuration(time.Minute),
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t, `{"poll_interval":"400ms","stop_timeout":"1m0s"}`, string(data))

	var out pollSettings
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)

	data, err = yaml.Marshal(in)
	require.NoError(t, err)

	out = pollSettings{}
	require.NoError(t, yaml.Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestDuration_JSONSchema(t *testing.T) {
	schema := Duration{}.JSONSchema()

	require.Equal(t, "string", schema.Type)
	require.Equal(t, "Duration", schema.Title)
	require.NotEmpty(t, schema.Examples)
}

func TestDuration_ZeroValue(t *testing.T) {
	var d Duration
	require.Zero(t, d.Duration)
	require.Equal(t, "0s", d.String())
}
