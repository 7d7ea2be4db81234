package fingerprint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/executor"
)

// HTTPX runs projectdiscovery httpx with technology detection.
type HTTPX struct {
	binary string
	runner executor.Runner
}

func NewHTTPX(binary string, runner executor.Runner) *HTTPX {
	if binary == "" {
		binary = "httpx"
	}
	return &HTTPX{binary: binary, runner: runner}
}

func (h *HTTPX) Name() string { return "httpx" }

// Available reports whether the httpx binary can be found.
func (h *HTTPX) Available() bool {
	_, err := exec.LookPath(h.binary)
	return err == nil
}

func (h *HTTPX) Detect(ctx context.Context, url string) ([]string, error) {
	out, err := h.runner.Run(ctx, h.binary, []string{"-u", url, "-tech-detect", "-json", "-silent"})
	if err != nil {
		return nil, fmt.Errorf("httpx tech-detect failed: %w", err)
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("httpx exited with code %d", out.ExitCode)
	}
	return ParseHTTPXTech(out.Stdout), nil
}

type httpxResult struct {
	Tech         []string `json:"tech"`
	Technologies []string `json:"technologies"`
}

// ParseHTTPXTech collects technology names from httpx JSON lines. Lines
// that are not JSON objects are skipped.
func ParseHTTPXTech(stdout string) []string {
	var names []string
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var res httpxResult
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			continue
		}
		names = append(names, res.Tech...)
		names = append(names, res.Technologies...)
	}
	return names
}
