package pushpipe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

func TestResolveTargetForms(t *testing.T) {
	ctx := context.Background()
	cases := map[string]Target{
		"root@203.0.113.9:/opt/app": {User: "root", Host: "203.0.113.9", Path: "/opt/app"},
		"deploy@203.0.113.9":        {User: "deploy", Host: "203.0.113.9", Path: "/root"},
		"203.0.113.9:/srv":          {User: "root", Host: "203.0.113.9", Path: "/srv"},
		"203.0.113.9":               {User: "root", Host: "203.0.113.9", Path: "/root"},
		"root@203.0.113.9:":         {User: "root", Host: "203.0.113.9", Path: "/root"},
	}
	for input, want := range cases {
		got, err := ResolveTarget(ctx, input, nil)
		require.NoErrorf(t, err, "ResolveTarget(%q)", input)
		assert.Equalf(t, want, got, "ResolveTarget(%q)", input)
	}
}

func TestResolveTargetDropletFallback(t *testing.T) {
	resolver := func(_ context.Context, ref string) (string, error) {
		if ref == "myapp-central" {
			return "203.0.113.42", nil
		}
		return "", errs.New(errs.NotFound, "droplet", "no droplet %q", ref)
	}
	got, err := ResolveTarget(context.Background(), "myapp-central:/opt", resolver)
	require.NoError(t, err)
	assert.Equal(t, Target{User: "root", Host: "203.0.113.42", Path: "/opt"}, got)

	_, err = ResolveTarget(context.Background(), "no-such-droplet-xyzq", resolver)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Network), "unresolvable host maps to NetworkError: %v", err)
}

func TestResolveTargetInvalid(t *testing.T) {
	for _, input := range []string{"", "   ", "@203.0.113.9", "root@:/opt"} {
		if _, err := ResolveTarget(context.Background(), input, nil); err == nil {
			t.Fatalf("ResolveTarget(%q) = nil error", input)
		}
	}
}

func TestTargetString(t *testing.T) {
	tgt := Target{User: "root", Host: "203.0.113.9", Path: "/opt/app"}
	if got := tgt.String(); got != "root@203.0.113.9:/opt/app" {
		t.Fatalf("String = %q", got)
	}
}

func TestTargetRemoteFile(t *testing.T) {
	cases := map[string]string{
		"/opt/app":  "/opt/app/bundle.tar.gz",
		"/opt/app/": "/opt/app/bundle.tar.gz",
	}
	for path, want := range cases {
		tgt := Target{Path: path}
		if got := tgt.RemoteFile("bundle.tar.gz"); got != want {
			t.Fatalf("RemoteFile(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestTargetWithHost(t *testing.T) {
	tgt := Target{User: "root", Host: "a", Path: "/p"}
	moved := tgt.WithHost("b")
	if moved.Host != "b" || tgt.Host != "a" {
		t.Fatalf("WithHost mutated receiver: %+v %+v", tgt, moved)
	}
}
