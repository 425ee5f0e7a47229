package config

import (
	"strings"
	"testing"
)

func TestExpandEnvStrict(t *testing.T) {
	t.Setenv("FF_TEST_SECRET", "hunter2")

	tests := []struct {
		name  string
		in    string
		want  string
		error bool
	}{
		{name: "plain", in: "no vars here", want: "no vars here"},
		{name: "braced", in: "pw=${FF_TEST_SECRET}", want: "pw=hunter2"},
		{name: "escaped dollar", in: "cost $$5", want: "cost $5"},
		{name: "missing", in: "${FF_TEST_DOES_NOT_EXIST}", error: true},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvStrict(tt.in)
			if tt.error {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpandEnvStrict_ListsAllMissing(t *testing.T) {
	_, err := expandEnvStrict("${FF_MISSING_A} ${FF_MISSING_B}")
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "FF_MISSING_A") || !strings.Contains(msg, "FF_MISSING_B") {
		t.Errorf("error does not list both variables: %v", err)
	}
}
