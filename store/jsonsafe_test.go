package store

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	t.Run("passthrough", func(t *testing.T) {
		assert.Equal(t, nil, Sanitize(nil))
		assert.Equal(t, "ok", Sanitize("ok"))
		assert.Equal(t, true, Sanitize(true))
		assert.Equal(t, int64(7), Sanitize(7))
		assert.Equal(t, 1.5, Sanitize(1.5))
	})

	t.Run("invalid utf8 bytes", func(t *testing.T) {
		assert.Equal(t, "a�b", Sanitize([]byte{'a', 0xff, 'b'}))
	})

	t.Run("non-finite floats", func(t *testing.T) {
		assert.Equal(t, "NaN", Sanitize(math.NaN()))
		assert.Equal(t, "+Inf", Sanitize(math.Inf(1)))
	})

	t.Run("map keys become strings", func(t *testing.T) {
		got := Sanitize(map[int]string{1: "one"})
		assert.Equal(t, map[string]interface{}{"1": "one"}, got)
	})

	t.Run("cycles are cut", func(t *testing.T) {
		m := map[string]interface{}{}
		m["self"] = m
		got := Sanitize(m).(map[string]interface{})
		assert.Equal(t, circularSentinel, got["self"])
	})

	t.Run("structs via json", func(t *testing.T) {
		type opts struct {
			Name string `json:"name"`
		}
		got := Sanitize(opts{Name: "x"})
		assert.Equal(t, map[string]interface{}{"name": "x"}, got)
	})

	t.Run("nested", func(t *testing.T) {
		got := Sanitize(map[string]interface{}{
			"list": []interface{}{[]byte("ok"), math.NaN()},
		})
		assert.Equal(t, map[string]interface{}{
			"list": []interface{}{"ok", "NaN"},
		}, got)
	})
}
