package rules

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

const TargetPlaceholder = "{target}"

// CommandSpec is one external tool invocation. The proxy flag is rendered at
// dispatch time so a rotated proxy replaces the previous one on retry.
type CommandSpec struct {
	Tool  string
	Args  []string
	Proxy string
}

// proxyFlags renders the proxy option for each tool that accepts one.
var proxyFlags = map[string]func(proxy string) []string{
	"nuclei": func(p string) []string { return []string{"-proxy", p} },
	"katana": func(p string) []string { return []string{"-proxy", p} },
	"wpscan": func(p string) []string { return []string{"--proxy", p} },
	"dalfox": func(p string) []string { return []string{"--proxy", p} },
	"sqlmap": func(p string) []string { return []string{"--proxy=" + p} },
	"httpx":  func(p string) []string { return []string{"-http-proxy", p} },
	"ffuf":   func(p string) []string { return []string{"-x", p} },
}

// SupportsProxy reports whether a proxy flag convention is known for tool.
func SupportsProxy(tool string) bool {
	_, ok := proxyFlags[toolName(tool)]
	return ok
}

// ProxyFlag returns the flag tokens for tool, or nil when the tool is unknown
// or no proxy is set.
func ProxyFlag(tool, proxy string) []string {
	if proxy == "" {
		return nil
	}
	render, ok := proxyFlags[toolName(tool)]
	if !ok {
		return nil
	}
	return render(proxy)
}

// ParseCommand tokenizes a command template and substitutes the target into
// every token. Substitution happens after tokenizing so a target containing
// shell metacharacters stays a single argument.
func ParseCommand(template, target string) (CommandSpec, error) {
	tokens, err := shlex.Split(template)
	if err != nil {
		return CommandSpec{}, fmt.Errorf("failed to tokenize command %q: %w", template, err)
	}
	if len(tokens) == 0 {
		return CommandSpec{}, fmt.Errorf("empty command template")
	}
	for i, tok := range tokens {
		tokens[i] = strings.ReplaceAll(tok, TargetPlaceholder, target)
	}
	return CommandSpec{Tool: tokens[0], Args: tokens[1:]}, nil
}

// Name is the tool's base name, lowercased, without a .exe suffix.
func (c CommandSpec) Name() string {
	return toolName(c.Tool)
}

// WithProxy returns a copy of c routed through proxy.
func (c CommandSpec) WithProxy(proxy string) CommandSpec {
	c.Args = append([]string(nil), c.Args...)
	c.Proxy = proxy
	return c
}

// Argv renders the full argument vector, excluding the tool itself.
func (c CommandSpec) Argv() []string {
	argv := append([]string(nil), c.Args...)
	return append(argv, ProxyFlag(c.Tool, c.Proxy)...)
}

func (c CommandSpec) String() string {
	return joinArgs(append([]string{c.Tool}, c.Argv()...))
}

// Redacted renders the command with session material masked, for logs.
func (c CommandSpec) Redacted() string {
	argv := append([]string{c.Tool}, c.Argv()...)
	out := make([]string, len(argv))
	maskNext := false
	for i, a := range argv {
		switch {
		case maskNext:
			out[i] = maskHeader(a)
			maskNext = false
		case hasSecretFlag(a):
			name, _, _ := strings.Cut(a, "=")
			out[i] = name + "=[REDACTED]"
		case isSecretOption(a):
			out[i] = a
			maskNext = true
		default:
			out[i] = a
		}
	}
	return joinArgs(out)
}

var secretOptions = map[string]bool{
	"--cookie":        true,
	"-cookie":         true,
	"-b":              true,
	"--headers":       true,
	"-H":              true,
	"--header":        true,
	"--auth-cred":     true,
	"--authorization": true,
}

func isSecretOption(a string) bool {
	return secretOptions[a]
}

func hasSecretFlag(a string) bool {
	name, _, ok := strings.Cut(a, "=")
	return ok && secretOptions[name]
}

// maskHeader keeps the header name of "Name: value" arguments so logs stay
// readable.
func maskHeader(a string) string {
	name, _, ok := strings.Cut(a, ":")
	if ok && !strings.Contains(name, " ") {
		return name + ": [REDACTED]"
	}
	return "[REDACTED]"
}

func joinArgs(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			quoted[i] = fmt.Sprintf("%q", a)
			continue
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}

func toolName(tool string) string {
	return strings.TrimSuffix(strings.ToLower(filepath.Base(tool)), ".exe")
}
