// Package idgen generates the identifiers used by sitefinder: UUIDv7 for
// result views and audit entries, short base-36 tokens for session cookies.
//
// Constructors that record rows (audit.NewSQLiteLogger) accept a Generator so
// tests can pin identifiers.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator of base-36 tokens of the given length. Bytes that
// would bias the alphabet are rejected and redrawn.
func NanoID(length int) Generator {
	// 252 is the largest multiple of 36 below 256.
	const limit = 252
	return func() string {
		out := make([]byte, 0, length)
		buf := make([]byte, length)
		for len(out) < length {
			if _, err := rand.Read(buf); err != nil {
				panic("idgen: crypto/rand failed: " + err.Error())
			}
			for _, c := range buf {
				if c >= limit {
					continue
				}
				out = append(out, alphabet[int(c)%len(alphabet)])
				if len(out) == length {
					break
				}
			}
		}
		return string(out)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// ParsePrefixed checks that s is prefix followed by a UUID, as produced by
// Prefixed(prefix, Default), and returns it in canonical form. Identifiers
// taken from URLs go through it before any lookup.
func ParsePrefixed(prefix, s string) (string, error) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return "", fmt.Errorf("idgen: missing prefix %q", prefix)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return prefix + u.String(), nil
}
