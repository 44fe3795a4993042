package synctool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/teranos/calsync/errors"
)

func baseInput() Input {
	return Input{
		Source:      Endpoint{AccountID: "acct-a", ResourceID: "alice@example.com", Timezone: "Europe/Berlin"},
		Destination: Endpoint{AccountID: "acct-b", ResourceID: "work-calendar"},
		SecretFiles: map[string]string{
			"acct-a": "/scratch/acct-a.asc",
			"acct-b": "/scratch/acct-b.asc",
		},
	}
}

func TestBuildConfig(t *testing.T) {
	in := baseInput()
	in.Options = json.RawMessage(`{"options":{
		"date_window":{"enabled":true,"fields":{"future_days":30}},
		"strip_descriptions":{"enabled":true},
		"busy_only":{"enabled":false,"fields":{"label":"ignored"}}
	}}`)

	out, err := BuildConfig(in)
	require.NoError(t, err)

	want := `version: 1
source:
    resource: alice@example.com
    timezone: Europe/Berlin
    credentials: /scratch/acct-a.asc
destination:
    resource: work-calendar
    timezone: UTC
    credentials: /scratch/acct-b.asc
transforms:
    - type: strip_descriptions
    - future_days: 30
      past_days: 7
      type: date_window
`
	assert.Equal(t, want, string(out))
}

func TestBuildConfig_Deterministic(t *testing.T) {
	in := baseInput()
	in.Options = json.RawMessage(`{"options":{
		"exclude_keywords":{"enabled":true,"fields":{"keywords":["a","b"]}},
		"title_prefix":{"enabled":true,"fields":{"prefix":"x"}},
		"busy_only":{"enabled":true}
	}}`)

	first, err := BuildConfig(in)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := BuildConfig(in)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}

	var doc struct {
		Transforms []map[string]any `yaml:"transforms"`
	}
	require.NoError(t, yaml.Unmarshal(first, &doc))
	require.Len(t, doc.Transforms, 3)
	assert.Equal(t, "title_prefix", doc.Transforms[0]["type"])
	assert.Equal(t, "busy_only", doc.Transforms[1]["type"])
	assert.Equal(t, "exclude_keywords", doc.Transforms[2]["type"])
}

func TestBuildConfig_NoOptions(t *testing.T) {
	out, err := BuildConfig(baseInput())
	require.NoError(t, err)
	assert.NotContains(t, string(out), "transforms")
}

func TestBuildConfig_SameAccountBothSides(t *testing.T) {
	in := baseInput()
	in.Destination.AccountID = "acct-a"
	in.SecretFiles = map[string]string{"acct-a": "/scratch/acct-a.asc"}

	out, err := BuildConfig(in)
	require.NoError(t, err)

	var doc document
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, doc.Source.Credentials, doc.Destination.Credentials)
}

func TestBuildConfig_Errors(t *testing.T) {
	t.Run("missing credentials", func(t *testing.T) {
		in := baseInput()
		delete(in.SecretFiles, "acct-b")
		_, err := BuildConfig(in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfiguration))
		assert.Contains(t, err.Error(), "destination account acct-b")
	})

	t.Run("missing resource", func(t *testing.T) {
		in := baseInput()
		in.Source.ResourceID = ""
		_, err := BuildConfig(in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfiguration))
	})

	t.Run("invalid enabled option", func(t *testing.T) {
		in := baseInput()
		in.Options = json.RawMessage(`{"options":{"title_prefix":{"enabled":true}}}`)
		_, err := BuildConfig(in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfiguration))
	})
}
