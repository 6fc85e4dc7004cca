// Package idgen provides short, URL-safe random identifiers backed by nanoid
// and the monotonic, lexically sortable ids used for activity events.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet defines the character set used for the random portion of an ID.
// It contains no '.', so random ids can be used as base cache tokens.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 16

// Prefixes for the random ids minted by this module.
const (
	PrefixSubscriber = "sub_"
	PrefixToken      = ""
)

// Generate returns a new random id without a prefix.
func Generate() (string, error) {
	return GenerateWithPrefix(PrefixToken)
}

// GenerateWithPrefix returns a new random id with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
