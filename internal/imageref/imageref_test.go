package imageref_test

import (
	"testing"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/mkrasner/peel/internal/imageref"
	h "github.com/mkrasner/peel/internal/testhelpers"
)

func TestSplit(t *testing.T) {
	spec.Run(t, "imageref.Split", testSplit, spec.Report(report.Terminal{}))
}

func testSplit(t *testing.T, when spec.G, it spec.S) {
	cases := []struct {
		descr    string
		in       string
		wantName string
		wantTag  string
	}{
		{"name with an explicit tag", "nginx:1.25", "nginx", "1.25"},
		{"bare name defaults to latest", "nginx", "nginx", "latest"},
		{"registry host with a port and no tag", "registry.example:5000/nginx", "registry.example:5000/nginx", "latest"},
		{"registry host with a port and a tag", "registry.example:5000/nginx:1.25", "registry.example:5000/nginx", "1.25"},
		{"simple untagged name", "myapp", "myapp", "latest"},
	}

	when("splitting an image reference into name and tag", func() {
		for _, c := range cases {
			c := c
			it("handles "+c.descr, func() {
				name, tag := imageref.Split(c.in)
				h.AssertEq(t, name, c.wantName)
				h.AssertEq(t, tag, c.wantTag)
			})
		}
	})
}
