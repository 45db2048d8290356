package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type opener func(t *testing.T) Cache

func implementations() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) Cache {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) Cache {
			c, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			return c
		},
		"file": func(t *testing.T) Cache {
			c, err := OpenFile(filepath.Join(t.TempDir(), "cache"))
			require.NoError(t, err)
			return c
		},
	}
}

func TestCache_Contract(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			c := open(t)
			defer c.Close()

			_, ok, err := c.Get(KeyExpenses)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, c.Put(KeyExpenses, []byte(`[{"id":"a"}]`)))
			require.NoError(t, c.Put(KeyExpenses, []byte(`[{"id":"b"}]`)))

			v, ok, err := c.Get(KeyExpenses)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `[{"id":"b"}]`, string(v))

			require.NoError(t, c.Delete(KeyExpenses))
			require.NoError(t, c.Delete(KeyExpenses))
			_, ok, err = c.Get(KeyExpenses)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestCache_JSONHelpers(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			c := open(t)
			defer c.Close()

			type user struct {
				ID   string `json:"id"`
				Name string `json:"displayName"`
			}
			require.NoError(t, PutJSON(c, KeyUser, user{ID: "u1", Name: "Minji"}))

			var got user
			ok, err := GetJSON(c, KeyUser, &got)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, user{ID: "u1", Name: "Minji"}, got)
		})
	}
}

func TestCache_GetJSONCorrupt(t *testing.T) {
	c := NewMemory()
	require.NoError(t, c.Put(KeyPrep, []byte(`{not json`)))

	var v []string
	ok, err := GetJSON(c, KeyPrep, &v)
	require.Error(t, err)
	require.False(t, ok)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, c.Put(KeyItinerary, []byte(`[]`)))
	require.NoError(t, c.Close())

	c, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer c.Close()

	v, ok, err := c.Get(KeyItinerary)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[]`, string(v))
}

func TestFile_RejectsBadKeys(t *testing.T) {
	c, err := OpenFile(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	require.Error(t, c.Put("../escape", []byte("x")))
	require.Error(t, c.Put(".lock", []byte("x")))
	_, _, err = c.Get("a/b")
	require.Error(t, err)
}

func TestMemory_Closed(t *testing.T) {
	c := NewMemory()
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Put(KeyUser, []byte("{}")), ErrClosed)
}
