package synctool

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/teranos/calsync/errors"
)

// DocumentVersion is the config schema version the sync tool reads.
const DocumentVersion = 1

// Endpoint identifies one side of a sync.
type Endpoint struct {
	AccountID  string
	ResourceID string
	Timezone   string
}

// Input is everything BuildConfig needs. SecretFiles maps account id to the
// path of that account's materialized secret bundle.
type Input struct {
	Source      Endpoint
	Destination Endpoint
	Options     json.RawMessage
	SecretFiles map[string]string
	Registry    *Registry
}

type document struct {
	Version     int              `yaml:"version"`
	Source      endpointDocument `yaml:"source"`
	Destination endpointDocument `yaml:"destination"`
	Transforms  []map[string]any `yaml:"transforms,omitempty"`
}

type endpointDocument struct {
	Resource    string `yaml:"resource"`
	Timezone    string `yaml:"timezone"`
	Credentials string `yaml:"credentials"`
}

// BuildConfig renders the declarative document consumed by the sync tool.
// It has no side effects; the same input always yields the same bytes.
func BuildConfig(in Input) ([]byte, error) {
	reg := in.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}

	src, err := endpointDoc("source", in.Source, in.SecretFiles)
	if err != nil {
		return nil, err
	}
	dst, err := endpointDoc("destination", in.Destination, in.SecretFiles)
	if err != nil {
		return nil, err
	}

	cfg, err := ParseJobConfig(in.Options)
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid job options", Err: err}
	}
	transforms, err := reg.Transforms(cfg)
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid job options", Err: err}
	}

	out, err := yaml.Marshal(document{
		Version:     DocumentVersion,
		Source:      src,
		Destination: dst,
		Transforms:  transforms,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal sync config")
	}
	return out, nil
}

func endpointDoc(side string, ep Endpoint, secrets map[string]string) (endpointDocument, error) {
	if ep.ResourceID == "" {
		return endpointDocument{}, configErrorf(nil, "%s resource is not set", side)
	}
	path, ok := secrets[ep.AccountID]
	if !ok || path == "" {
		return endpointDocument{}, configErrorf(nil, "no credentials materialized for %s account %s", side, ep.AccountID)
	}
	tz := ep.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return endpointDocument{Resource: ep.ResourceID, Timezone: tz, Credentials: path}, nil
}
