package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestSHA3_Digest(t *testing.T) {
	h := Requests()

	a := h.Digest([]byte("payload"))
	assert.Len(t, a, 32)
	assert.Equal(t, a, h.Digest([]byte("payload")), "digest must be deterministic")
	assert.NotEqual(t, a, h.Digest([]byte("payload'")))
}

func TestSHA3_DomainSeparation(t *testing.T) {
	payload := []byte("same bytes")
	assert.NotEqual(t, Requests().Digest(payload), Responses().Digest(payload))

	// Moving bytes across the boundary must change the digest.
	assert.NotEqual(t, NewSHA3("ab").Digest([]byte("c")), NewSHA3("a").Digest([]byte("bc")))
}

func TestDigestMessage(t *testing.T) {
	first, err := structpb.NewStruct(map[string]any{
		"election": "E1",
		"nodes":    []any{1, 2, 3, 4},
		"group":    "p256",
	})
	require.NoError(t, err)

	second, err := structpb.NewStruct(map[string]any{
		"group":    "p256",
		"nodes":    []any{1, 2, 3, 4},
		"election": "E1",
	})
	require.NoError(t, err)

	d1, err := DigestMessage(Requests(), first)
	require.NoError(t, err)
	d2, err := DigestMessage(Requests(), second)
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "map ordering must not change the digest")

	second.Fields["election"] = structpb.NewStringValue("E2")
	d3, err := DigestMessage(Requests(), second)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}
