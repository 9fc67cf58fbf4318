package tool

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"fnord/internal/domain"
)

func TestOutputLimit(t *testing.T) {
	inner := &stubTool{name: "big", result: &domain.ToolResult{Content: strings.Repeat("x", 100)}}
	limited := WithOutputLimit(inner, 10)

	res, err := limited.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Content, "xxxxxxxxxx\n[output truncated: 10 of 100 bytes shown]") {
		t.Errorf("unexpected content: %q", res.Content)
	}
	if len(inner.result.Content) != 100 {
		t.Error("inner result must not be modified")
	}
}

func TestOutputLimitUnderLimit(t *testing.T) {
	inner := &stubTool{name: "small", result: &domain.ToolResult{Content: "short"}}
	res, _ := WithOutputLimit(inner, 10).Execute(context.Background(), nil)
	if res.Content != "short" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestOutputLimitDisabled(t *testing.T) {
	inner := &stubTool{name: "x"}
	if WithOutputLimit(inner, 0) != inner {
		t.Error("zero limit should return the tool unchanged")
	}
}

func TestTruncateUTF8(t *testing.T) {
	s := "héllo wörld"
	for n := 0; n <= len(s); n++ {
		got := truncateUTF8(s, n)
		if !utf8.ValidString(got) {
			t.Errorf("truncateUTF8(%d) produced invalid UTF-8: %q", n, got)
		}
		if len(got) > n {
			t.Errorf("truncateUTF8(%d) too long: %d", n, len(got))
		}
	}
	if truncateUTF8(s, 2) != "h" {
		t.Errorf("cut inside é should back off to %q, got %q", "h", truncateUTF8(s, 2))
	}
}
