package executor

import (
	"strings"
	"testing"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	if got := reg.Types(); len(got) != 0 {
		t.Fatalf("Types() on empty registry = %v, want none", got)
	}

	reg.Register(NewWebhookExecutor("http://127.0.0.1:1/start", newTestLogger()))
	reg.Register(NewLocalExecutor(0, newTestLogger()))

	types := reg.Types()
	if len(types) != 2 || types[0] != TypeLocal || types[1] != TypeWebhook {
		t.Fatalf("Types() = %v, want [local webhook]", types)
	}

	tests := []struct {
		typ     Type
		wantErr bool
	}{
		{TypeLocal, false},
		{TypeWebhook, false},
		{Type("docker"), true},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			exec, err := reg.Get(tt.typ)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Get(%q) succeeded, want error", tt.typ)
				}
				if !strings.Contains(err.Error(), "local") {
					t.Errorf("error %q should list registered types", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get(%q): %v", tt.typ, err)
			}
			if exec.Type() != tt.typ {
				t.Errorf("Get(%q).Type() = %q", tt.typ, exec.Type())
			}
		})
	}
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	first := NewLocalExecutor(0, newTestLogger())
	second := NewLocalExecutor(0, newTestLogger())
	reg.Register(first)
	reg.Register(second)

	exec, err := reg.Get(TypeLocal)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec != second {
		t.Error("second registration should replace the first")
	}
	if n := len(reg.Types()); n != 1 {
		t.Errorf("Types() has %d entries, want 1", n)
	}
}
