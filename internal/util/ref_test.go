package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef(t *testing.T) {
	s := "draft"
	p := Ref(s)
	require.NotNil(t, p)
	*p = "edited"
	assert.Equal(t, "draft", s, "Ref copies")
}

func TestRefIf(t *testing.T) {
	assert.Nil(t, RefIf(false, "ignored"))

	// an explicitly empty value is still set
	got := RefIf(true, "")
	require.NotNil(t, got)
	assert.Equal(t, "", *got)

	when := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	assert.Nil(t, RefIf(!time.Time{}.IsZero(), time.Time{}))
	assert.Equal(t, when, *RefIf(!when.IsZero(), when))
}
