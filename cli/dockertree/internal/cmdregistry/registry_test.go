package cmdregistry

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	called := false
	r.Register("list", func(*Context) error { called = true; return nil })
	h, ok := r.Lookup("list")
	if !ok {
		t.Fatal("list not found")
	}
	if err := h(&Context{}); err != nil || !called {
		t.Fatalf("handler: err=%v called=%v", err, called)
	}
	if _, ok := r.Lookup("nope"); ok {
		t.Fatal("unknown command resolved")
	}
}

func TestAlias(t *testing.T) {
	r := New()
	r.Register("remove", func(*Context) error { return nil })
	r.Alias("-r", "remove")
	if _, ok := r.Lookup("-r"); !ok {
		t.Fatal("alias not resolved")
	}
}

func TestDuplicateRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate register")
		}
	}()
	r := New()
	r.Register("x", func(*Context) error { return nil })
	r.Register("x", func(*Context) error { return nil })
}

func TestAliasToUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on alias to unknown command")
		}
	}()
	New().Alias("-z", "ghost")
}

func TestNames(t *testing.T) {
	r := New()
	r.Register("a", func(*Context) error { return nil })
	r.Register("b", func(*Context) error { return nil })
	if got := r.Names(); len(got) != 2 {
		t.Fatalf("Names = %v", got)
	}
}
