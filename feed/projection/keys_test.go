package projection_test

import (
	"testing"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/projection"
)

func TestField(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    string
		wantErr bool
	}{
		{"string", map[string]any{"q": "q1"}, "q1", false},
		{"json number", map[string]any{"q": float64(42)}, "42", false},
		{"fractional number", map[string]any{"q": 1.5}, "1.5", false},
		{"int", map[string]any{"q": 7}, "7", false},
		{"record", feed.Record{"q": "r"}, "r", false},
		{"missing", map[string]any{}, "", true},
		{"unsupported", map[string]any{"q": []any{1}}, "", true},
		{"not an object", "q1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := projection.Field("q")("raw", tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Field() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Field() = %q, want %q", got, tt.want)
			}

			got, err = projection.OwnerField("q")("owner", "sub", tt.value)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("OwnerField() = %q, %v", got, err)
			}
		})
	}
}

func TestBuiltinKeys(t *testing.T) {
	if k, _ := projection.RawKey("raw", nil); k != "raw" {
		t.Errorf("RawKey() = %q", k)
	}
	if k, _ := projection.SubKey("owner", "sub", nil); k != "sub" {
		t.Errorf("SubKey() = %q", k)
	}
	if k, _ := projection.Owner("owner", "sub", nil); k != "owner" {
		t.Errorf("Owner() = %q", k)
	}
}
