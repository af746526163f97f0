package version

import (
	"strings"
	"testing"
)

func TestGetKeepsLinkerValues(t *testing.T) {
	oldV, oldC := Version, Commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })
	Version, Commit = "1.2.3", "abc123"

	info := Get()
	if info.Version != "1.2.3" || info.Commit != "abc123" {
		t.Fatalf("链接注入的版本被覆盖: %+v", info)
	}
	if !strings.Contains(info.String(), "version: 1.2.3") {
		t.Fatalf("输出格式不正确: %q", info.String())
	}
}
