// Package id generates prefixed random record identifiers.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Record prefixes.
const (
	Environment   = "env-"
	Benchmark     = "bm-"
	FineTuning    = "ft-"
	Experiment    = "exp-"
	ExperimentLog = "log-"
	Dataset       = "ds-"
)

// Generate returns prefix followed by 16 random hex characters.
func Generate(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return prefix + hex.EncodeToString(b), nil
}

// Must is Generate for callers that treat entropy failure as fatal.
func Must(prefix string) string {
	s, err := Generate(prefix)
	if err != nil {
		panic(err)
	}
	return s
}
