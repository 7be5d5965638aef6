package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, 981))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, int64(981), cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		"bm9waXBl",     // "nopipe"
		"YWJjfDEy",     // "abc|12"
		"MTIzfGFiYw==", // "123|abc"
	} {
		_, err := Decode(in)
		assert.Error(t, err, in)
	}
}

func TestCursor_Before(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: 10}

	assert.True(t, c.Before(ts.Add(-time.Second), 99))
	assert.True(t, c.Before(ts, 9))
	assert.False(t, c.Before(ts, 10))
	assert.False(t, c.Before(ts, 11))
	assert.False(t, c.Before(ts.Add(time.Second), 1))

	var none *Cursor
	assert.True(t, none.Before(ts, 1))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 5, ClampLimit(5))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}

func TestComputePage(t *testing.T) {
	type row struct {
		at time.Time
		id int64
	}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{base, 3}, {base, 2}, {base, 1}}
	key := func(r row) (time.Time, int64) { return r.at, r.id }

	page, next, more := ComputePage(rows, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.ID)

	page, next, more = ComputePage(rows, 5, key)
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}
