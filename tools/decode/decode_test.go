package decode

import (
	"reflect"
	"testing"
	"time"
)

type sample struct {
	Wait    time.Duration     `mapstructure:"wait"`
	Hosts   []string          `mapstructure:"hosts"`
	Size    int32             `mapstructure:"size"`
	Tokens  map[string]uint64 `mapstructure:"tokens"`
	Enabled bool              `mapstructure:"enabled"`
}

func TestMap(t *testing.T) {
	got, err := Map[sample](map[string]any{
		"wait":    "1500ms",
		"hosts":   "a:1,b:2",
		"size":    float64(8),
		"tokens":  "alice=1, bob=2",
		"enabled": "true",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := sample{
		Wait:    1500 * time.Millisecond,
		Hosts:   []string{"a:1", "b:2"},
		Size:    8,
		Tokens:  map[string]uint64{"alice": 1, "bob": 2},
		Enabled: true,
	}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("got %+v, want %+v", *got, want)
	}
}

func TestMapTokensJSON(t *testing.T) {
	got, err := Map[sample](map[string]any{"tokens": `{"carol":7}`})
	if err != nil {
		t.Fatal(err)
	}
	if got.Tokens["carol"] != 7 {
		t.Fatalf("tokens = %v", got.Tokens)
	}
}

func TestMapBadToken(t *testing.T) {
	if _, err := Map[sample](map[string]any{"tokens": "alice"}); err == nil {
		t.Fatal("expected error for entry without '='")
	}
	if _, err := Map[sample](map[string]any{"tokens": "alice=x"}); err == nil {
		t.Fatal("expected error for non-numeric user id")
	}
}
