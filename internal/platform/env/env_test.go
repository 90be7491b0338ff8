package env

import (
	"reflect"
	"testing"
	"time"
)

func TestString(t *testing.T) {
	if got := String("SCENARIO_ENV_STRING_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
	t.Setenv("SCENARIO_ENV_STRING", "value")
	if got := String("SCENARIO_ENV_STRING", "fallback"); got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestDuration(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		set     bool
		want    time.Duration
		wantErr bool
	}{
		{name: "default", want: 5 * time.Second},
		{name: "override", value: "250ms", set: true, want: 250 * time.Millisecond},
		{name: "blank uses default", value: "  ", set: true, want: 5 * time.Second},
		{name: "invalid", value: "soon", set: true, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv("SCENARIO_ENV_DURATION", tc.value)
			}
			got, err := Duration("SCENARIO_ENV_DURATION", 5*time.Second)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Duration() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Duration() err=%v", err)
			}
			if got != tc.want {
				t.Fatalf("Duration()=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestBoolIntFloat(t *testing.T) {
	t.Setenv("SCENARIO_ENV_BOOL", "false")
	b, err := Bool("SCENARIO_ENV_BOOL", true)
	if err != nil || b {
		t.Fatalf("Bool()=%v err=%v, want false", b, err)
	}
	t.Setenv("SCENARIO_ENV_INT", "7")
	i, err := Int("SCENARIO_ENV_INT", 42)
	if err != nil || i != 7 {
		t.Fatalf("Int()=%v err=%v, want 7", i, err)
	}
	t.Setenv("SCENARIO_ENV_FLOAT", "0.25")
	f, err := Float("SCENARIO_ENV_FLOAT", 1)
	if err != nil || f != 0.25 {
		t.Fatalf("Float()=%v err=%v, want 0.25", f, err)
	}

	t.Setenv("SCENARIO_ENV_BOOL_BAD", "nope")
	if _, err := Bool("SCENARIO_ENV_BOOL_BAD", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
	t.Setenv("SCENARIO_ENV_INT_BAD", "seven")
	if _, err := Int("SCENARIO_ENV_INT_BAD", 0); err == nil {
		t.Fatalf("Int() expected error")
	}
}

func TestList(t *testing.T) {
	if got := List("SCENARIO_ENV_LIST_MISSING", []string{"a"}); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("List()=%v, want [a]", got)
	}
	t.Setenv("SCENARIO_ENV_LIST", " openid, ,email ")
	if got := List("SCENARIO_ENV_LIST", nil); !reflect.DeepEqual(got, []string{"openid", "email"}) {
		t.Fatalf("List()=%v, want [openid email]", got)
	}
}
