package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("MDFALLBACK_TEST_TOKEN=secret\n"), 0o600); err != nil {
		t.Fatalf("写入 env 文件失败: %v", err)
	}
	t.Setenv("MDFALLBACK_TEST_TOKEN", "")
	os.Unsetenv("MDFALLBACK_TEST_TOKEN")

	if err := loadEnv(path); err != nil {
		t.Fatalf("加载 env 文件失败: %v", err)
	}
	if got := os.Getenv("MDFALLBACK_TEST_TOKEN"); got != "secret" {
		t.Fatalf("期望 secret，实际 %q", got)
	}
}

func TestLoadEnvMissingDefaultIsIgnored(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := loadEnv(""); err != nil {
		t.Fatalf("缺少默认 .env 不应报错: %v", err)
	}
	if err := loadEnv("does-not-exist.env"); err == nil {
		t.Fatalf("显式指定的文件不存在时应报错")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version 命令执行失败: %v", err)
	}
	if !strings.Contains(out.String(), "version:") {
		t.Fatalf("输出缺少版本信息: %q", out.String())
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "fetch", "status", "warm", "export", "show", "simulate-outage", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Fatalf("未注册命令 %s", name)
		}
	}
}
