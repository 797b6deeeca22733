// Package hashing computes the payload digests used to tell harmless
// duplicates from conflicting ones.
package hashing

import (
	"fmt"

	"golang.org/x/crypto/sha3"
	"google.golang.org/protobuf/proto"
)

// Domain prefixes separate request digests from response digests.
// The version suffix leaves room for an algorithm migration.
const (
	DomainRequest  = "exactlyonce/request/v1"
	DomainResponse = "exactlyonce/response/v1"
)

// Hasher produces a deterministic, collision resistant digest of a payload.
type Hasher interface {
	Digest(payload []byte) []byte
}

// SHA3 hashes payloads with SHA3-256 under a domain prefix.
type SHA3 struct {
	domain string
}

// NewSHA3 returns a SHA3-256 hasher for the given domain.
func NewSHA3(domain string) *SHA3 {
	return &SHA3{domain: domain}
}

// Requests returns the hasher for request payloads.
func Requests() *SHA3 {
	return NewSHA3(DomainRequest)
}

// Responses returns the hasher for response payloads.
func Responses() *SHA3 {
	return NewSHA3(DomainResponse)
}

// Digest computes SHA3-256(domain || 0x00 || payload).
// The zero byte keeps the domain/payload boundary unambiguous.
func (h *SHA3) Digest(payload []byte) []byte {
	d := sha3.New256()
	d.Write([]byte(h.domain))
	d.Write([]byte{0x00})
	d.Write(payload)
	return d.Sum(nil)
}

// Marshal encodes a message deterministically so equal messages produce
// equal bytes, and therefore equal digests.
func Marshal(msg proto.Message) ([]byte, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.ProtoReflect().Descriptor().FullName(), err)
	}
	return b, nil
}

// DigestMessage digests the deterministic encoding of msg.
func DigestMessage(h Hasher, msg proto.Message) ([]byte, error) {
	b, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return h.Digest(b), nil
}
