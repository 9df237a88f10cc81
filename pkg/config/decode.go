// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Validator is implemented by typed configurations that check their own values after decoding.
type Validator interface {
	Validate() error
}

// Decode converts the configuration into the typed struct pointed by target, using its `yaml:"..."`
// field tags. Keys without a matching field are ignored, since one configuration feeds the harness,
// the datasets and the composer.
//
// Type mismatches are reported as ErrKey. If target implements Validator, Validate is called and
// its error is also wrapped as ErrKey.
func Decode(cfg *Config, target any) error {
	return DecodeMap(cfg.values, target)
}

// DecodeMap is like Decode, but takes a generic mapping, e.g. a "__kwargs" value.
func DecodeMap(values map[string]any, target any) error {
	return decodeMap(values, target, false)
}

// DecodeMapStrict is like DecodeMap, but keys without a matching field are an ErrKey.
func DecodeMapStrict(values map[string]any, target any) error {
	return decodeMap(values, target, true)
}

func decodeMap(values map[string]any, target any, strict bool) error {
	if values == nil {
		values = map[string]any{}
	}
	encoded, err := yaml.Marshal(values)
	if err != nil {
		return errors.Wrapf(err, "failed to encode configuration for decoding into %T", target)
	}
	dec := yaml.NewDecoder(bytes.NewReader(encoded))
	dec.KnownFields(strict)
	if err = dec.Decode(target); err != nil {
		return errors.WithMessagef(ErrKey, "decoding into %T: %v", target, err)
	}
	if v, ok := target.(Validator); ok {
		if err = v.Validate(); err != nil {
			return errors.WithMessagef(ErrKey, "%T: %v", target, err)
		}
	}
	return nil
}
