package point_test

import (
	"testing"

	"codeberg.org/mutker/loxbridge/internal/point"
	"github.com/stretchr/testify/assert"
)

func TestLineProtocol(t *testing.T) {
	f := point.NewFormatter(false, 0)

	p := point.New("Living Room").
		Tag("room", "Living Room").
		Tag("uuid", "0f86a2fe-0378-3e15").
		Tag("empty", "").
		Field("Default", 3.5).
		Field("flow", int64(3)).
		Field("state", "open").
		Time(1700000000000000000)

	got := string(p.LineProtocol(f))
	assert.Equal(t,
		`Living\ Room,room=Living\ Room,uuid=0f86a2fe-0378-3e15 Default=3.5,flow=3i,state="open" 1700000000000000000`,
		got)
}

func TestTagsAreSorted(t *testing.T) {
	f := point.NewFormatter(false, 0)

	p := point.New("m").Tag("zeta", "1").Tag("alpha", "2").Field("v", int64(1))
	assert.Equal(t, `m,alpha=2,zeta=1 v=1i`, string(p.LineProtocol(f)))
}

func TestPrefix(t *testing.T) {
	p := point.New("Sensor").Tag("uuid", "abc").Tag("source", "websocket")

	got := string(p.Prefix("Default"))
	assert.Equal(t, `Sensor,source=websocket,uuid=abc Default=`, got)
}

func TestClone(t *testing.T) {
	f := point.NewFormatter(false, 0)

	base := point.New("m").Tag("a", "1").Field("v", int64(1))
	clone := base.Clone().Tag("b", "2").Field("w", int64(2))

	assert.Equal(t, `m,a=1 v=1i`, string(base.LineProtocol(f)))
	assert.Equal(t, `m,a=1,b=2 v=1i,w=2i`, string(clone.LineProtocol(f)))
}

func TestFormatterFloat(t *testing.T) {
	tests := []struct {
		name      string
		round     bool
		precision int
		value     float64
		want      string
	}{
		{"rounded to two places", true, 2, 3.14159, "3.14"},
		{"full precision when rounding is off", false, 2, 3.14159, "3.14159"},
		{"integral value with default precision", true, 5, 5, "5.00000"},
		{"integral value without rounding", false, 5, 5, "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := point.NewFormatter(tt.round, tt.precision)
			assert.Equal(t, tt.want, f.Float(tt.value))
		})
	}
}

func TestFormatterCoerce(t *testing.T) {
	f := point.NewFormatter(false, 0)

	assert.Equal(t, int64(12), f.Coerce("12"))
	assert.Equal(t, 3.5, f.Coerce("3.5"))
	assert.Equal(t, "on", f.Coerce("on"))
	assert.Equal(t, int64(-4), f.Coerce(" -4 "))
}
