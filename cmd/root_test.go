package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestCommandTree(t *testing.T) {
	root := NewRootCmd()
	for _, path := range [][]string{
		{"server"}, {"relay"}, {"notify"},
		{"migrate", "up"}, {"migrate", "status"},
		{"booking", "create"}, {"booking", "cancel"}, {"booking", "show"}, {"booking", "events"},
		{"slot", "add"}, {"slot", "list"}, {"slot", "open"}, {"slot", "close"},
		{"user", "add"}, {"keys"}, {"version"},
	} {
		c, _, err := root.Find(path)
		if err != nil || c.Name() != path[len(path)-1] {
			t.Errorf("%s: not registered (%v)", strings.Join(path, " "), err)
		}
	}
}

func TestVersionAndKeys(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "tourbook dev") {
		t.Fatalf("version output %q", out.String())
	}

	out.Reset()
	root.SetArgs([]string{"keys"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.Count(out.String(), "export COOKIE_") != 2 {
		t.Fatalf("keys output %q", out.String())
	}
}
