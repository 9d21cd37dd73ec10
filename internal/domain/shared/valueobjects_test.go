package shared

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSemesterID(t *testing.T) {
	id, err := NewSemesterID("  2024-S1 ")
	require.NoError(t, err)
	assert.Equal(t, SemesterID("2024-S1"), id)
	assert.True(t, id.IsValid())

	_, err = NewSemesterID("")
	assert.ErrorIs(t, err, ErrEmptySemesterID)

	_, err = NewSemesterID("S 1")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.True(t, IsValidation(err))

	_, err = NewSemesterID(strings.Repeat("x", MaxIDLength+1))
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestNewStudentID(t *testing.T) {
	id, err := NewStudentID("42")
	require.NoError(t, err)
	assert.Equal(t, "42", id.String())

	_, err = NewStudentID(" ")
	assert.ErrorIs(t, err, ErrEmptyStudentID)

	_, err = NewStudentID("4\n2")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestNewGroupName(t *testing.T) {
	g, err := NewGroupName("")
	require.NoError(t, err)
	assert.True(t, g.IsEmpty())

	g, err = NewGroupName(" TD 1 ")
	require.NoError(t, err)
	assert.Equal(t, GroupName("TD 1"), g)

	_, err = NewGroupName(strings.Repeat("g", MaxIDLength+1))
	assert.ErrorIs(t, err, ErrValueOutOfRange)
}
