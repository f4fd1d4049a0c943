package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	id, created string
}

func TestBuildCursorPageInfo(t *testing.T) {
	rows := []*row{{"3", "c"}, {"2", "b"}, {"1", "a"}}
	extract := func(r *row) Cursor { return Cursor{ID: r.id, CreatedAt: r.created} }

	page, info, err := BuildCursorPageInfo(rows, 2, extract)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.True(t, info.HasMore)

	cursor, err := Pagination{PageToken: info.NextPageToken}.Cursor()
	require.NoError(t, err)
	assert.Equal(t, "2", cursor.ID)
	assert.Equal(t, "b", cursor.CreatedAt)

	page, info, err = BuildCursorPageInfo(rows, 5, extract)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidPageToken)

	token, err := EncodeCursor(Cursor{})
	require.NoError(t, err)
	_, err = DecodeCursor(token)
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestLimitClamp(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Limit())
}
