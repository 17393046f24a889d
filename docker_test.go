package chathub_test

import (
	"os"
	"strings"
	"testing"
)

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("%s should exist: %v", name, err)
	}
	return string(data)
}

// serviceBlock はdocker-compose.ymlから指定サービスの定義部分を取り出す。
func serviceBlock(t *testing.T, compose, service string) string {
	t.Helper()
	start := strings.Index(compose, "\n  "+service+":\n")
	if start < 0 {
		t.Fatalf("docker-compose.yml should define service %q", service)
	}
	rest := compose[start+1:]
	lines := strings.Split(rest, "\n")
	var b strings.Builder
	for i, line := range lines {
		// 次のサービス、またはトップレベルのキーで終わる
		if i > 0 && (strings.HasPrefix(line, "  ") && !strings.HasPrefix(line, "    ") || (line != "" && !strings.HasPrefix(line, " "))) {
			break
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func TestDockerfile_MultiStageDistroless(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") {
		t.Errorf("final stage should use distroless, got: %s", lastFrom)
	}
	if !strings.Contains(content, "USER nonroot") {
		t.Error("final stage should run as nonroot")
	}
}

func TestDockerfile_BuildsChathubBinary(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "-o /out/chathub ./cmd/chathub") {
		t.Error("Dockerfile should build ./cmd/chathub into a binary named 'chathub'")
	}
	if !strings.Contains(content, `ENTRYPOINT ["/usr/local/bin/chathub"]`) {
		t.Error("ENTRYPOINT should start the chathub binary")
	}
	// シェルのないdistrolessではサブコマンドでヘルスチェックする
	if !strings.Contains(content, `"healthcheck"`) {
		t.Error("HEALTHCHECK should use the healthcheck subcommand")
	}
}

func TestDockerCompose_Services(t *testing.T) {
	compose := readFile(t, "docker-compose.yml")

	tests := []struct {
		service string
		command string
	}{
		{"api", `["serve"]`},
		{"worker", `["worker"]`},
		{"migrate", `["migrate"]`},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			block := serviceBlock(t, compose, tt.service)
			if !strings.Contains(block, "command: "+tt.command) {
				t.Errorf("service %s should run %s, got:\n%s", tt.service, tt.command, block)
			}
			if !strings.Contains(block, "DATABASE_URL:") || !strings.Contains(block, "IDENTITY_PROVIDER_URL:") {
				t.Errorf("service %s should set the required environment variables", tt.service)
			}
		})
	}

	if !strings.Contains(serviceBlock(t, compose, "db"), "image: postgres:") {
		t.Error("db service should use the PostgreSQL image")
	}
}

// TestDockerCompose_Networks はIDプロバイダへ通信するapiのみが外部ネットワークに出られることを検証する。
func TestDockerCompose_Networks(t *testing.T) {
	compose := readFile(t, "docker-compose.yml")

	if !strings.Contains(compose, "internal: true") {
		t.Error("docker-compose.yml should define an internal network (internal: true)")
	}
	if !strings.Contains(serviceBlock(t, compose, "api"), "- external") {
		t.Error("api should join the external network to reach the identity provider")
	}
	for _, svc := range []string{"worker", "migrate", "db"} {
		if strings.Contains(serviceBlock(t, compose, svc), "- external") {
			t.Errorf("%s should stay on the internal network only", svc)
		}
	}
}
