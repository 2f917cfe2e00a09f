package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fieldguard/internal/faults"
)

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 30, 0, 123, time.UTC)
	c, err := Decode(Encode(at, "sig_abc"))
	require.NoError(t, err)
	assert.True(t, c.At.Equal(at))
	assert.Equal(t, "sig_abc", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{"!!!", "bm9waXBl", "YWJjfA"} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, faults.ErrValidation, in)
	}
}

func TestCursorAfter(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	c := &Cursor{At: at, ID: "m"}

	assert.True(t, c.After(at.Add(-time.Second), "z"))
	assert.False(t, c.After(at.Add(time.Second), "a"))
	assert.True(t, c.After(at, "a"))
	assert.False(t, c.After(at, "z"))
	assert.True(t, (*Cursor)(nil).After(at, "x"))
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("100000"))
}

func TestComputePage(t *testing.T) {
	type item struct {
		at time.Time
		id string
	}
	base := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	items := []item{{base.Add(3), "c"}, {base.Add(2), "b"}, {base.Add(1), "a"}}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	page, next, more := ComputePage(items, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next, more = ComputePage(items, 5, key)
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}
