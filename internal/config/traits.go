package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Trait is the per-identity behaviour read from the traits file:
//
//	you:
//	  join:
//	    delay: 3200
//	  replacers:
//	    - match: "м"
//	      replacer: "ж"
type Trait struct {
	Join      Join       `yaml:"join"`
	Replacers []Replacer `yaml:"replacers"`
}

// Join holds pairing options. Delay is in milliseconds.
type Join struct {
	Delay int `yaml:"delay"`
}

// Replacer is one ECMAScript regular expression and its replacement.
type Replacer struct {
	Match    string `yaml:"match"`
	Replacer string `yaml:"replacer"`
}

// Traits maps identity to trait.
type Traits map[string]Trait

// JoinDelay returns the identity's join delay, zero when unset.
func (t Traits) JoinDelay(identity string) time.Duration {
	return time.Duration(t[identity].Join.Delay) * time.Millisecond
}

// DefaultTraits mirrors the stock configuration shipped with the relay.
func DefaultTraits() Traits {
	stock := func() Trait {
		return Trait{
			Join: Join{Delay: 3200},
			Replacers: []Replacer{
				{Match: "м", Replacer: "ж"},
				{Match: "М", Replacer: "Ж"},
			},
		}
	}
	return Traits{"you": stock(), "me": stock()}
}

// LoadTraits parses a traits YAML file.
func LoadTraits(path string) (Traits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read traits %s: %w", path, err)
	}
	var t Traits
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse traits %s: %w", path, err)
	}
	for id, trait := range t {
		if trait.Join.Delay < 0 {
			return nil, fmt.Errorf("traits %s: %s join.delay must not be negative", path, id)
		}
	}
	return t, nil
}
