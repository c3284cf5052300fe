/*
Copyright © 2026 Deutsche Telekom AG.
*/

// NOTE: These tests access package-level cobra command singletons (rootCmd,
// controllerCmd, gatewayCmd). They are NOT safe for t.Parallel().
package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func TestSensitivePattern(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"token", "auth-token", true},
		{"secret", "client-secret", true},
		{"password", "db-password", true},
		{"passphrase", "ssh-passphrase", true},
		{"key", "api-key", true},
		{"auth", "oauth-redirect", true},
		{"credential", "credential-file", true},
		{"private", "private-key", true},
		{"cert", "tls-cert", true},
		{"bearer", "bearer-token", true},
		{"token file", "secret-store-token-file", true},
		{"case insensitive", "AUTH-TOKEN", true},
		{"safe flag", "manifest-dir", false},
		{"safe flag verbosity", "verbosity", false},
		{"safe flag api-addr", "api-bind-address", false},
		{"safe flag resync", "resync-interval", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sensitivePattern.MatchString(tt.input)
			if got != tt.expected {
				t.Errorf("sensitivePattern.MatchString(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

const redactedValue = "[REDACTED]"

func TestRedactSensitiveFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("store-token", "my-sensitive-value", "test flag for redaction")
	flags.String("manifest-dir", "/etc/mesh/manifests", "test flag for non-redaction")

	result := redactSensitiveFlags(flags)

	if val, ok := result["store-token"]; !ok {
		t.Error("expected store-token in result")
	} else if val != redactedValue {
		t.Errorf("expected %s for store-token, got %q", redactedValue, val)
	}

	if val, ok := result["manifest-dir"]; !ok {
		t.Error("expected manifest-dir in result")
	} else if val == redactedValue {
		t.Error("manifest-dir should not be redacted")
	} else if val != "/etc/mesh/manifests" {
		t.Errorf("expected %q for manifest-dir, got %q", "/etc/mesh/manifests", val)
	}
}

func TestRootCommandStructure(t *testing.T) {
	subcommands := rootCmd.Commands()

	commandNames := make(map[string]bool)
	for _, cmd := range subcommands {
		commandNames[cmd.Use] = true
	}

	if !commandNames["controller"] {
		t.Error("rootCmd should have 'controller' subcommand")
	}
	if !commandNames["gateway"] {
		t.Error("rootCmd should have 'gateway' subcommand")
	}
	if !commandNames["version"] {
		t.Error("rootCmd should have 'version' subcommand")
	}
}

func TestControllerCmdFlags(t *testing.T) {
	flags := controllerCmd.Flags()

	expectedFlags := []string{
		"manifest-dir",
		"resync-interval",
		"self-heal",
		"reconcile-workers",
		"secret-store-address",
		"secret-store-token-file",
		"identity-dir",
	}

	for _, name := range expectedFlags {
		f := flags.Lookup(name)
		if f == nil {
			t.Errorf("expected flag %q not found on controller command", name)
		}
	}
}

func TestGatewayCmdFlags(t *testing.T) {
	flags := gatewayCmd.Flags()

	expectedFlags := []string{
		"http-bind-address",
		"https-bind-address",
		"manifest-dir",
		"serving-cert-secret",
		"route-reload-interval",
		"cluster-dns-suffix",
		"rate-limit",
		"rate-limit-burst",
	}

	for _, name := range expectedFlags {
		f := flags.Lookup(name)
		if f == nil {
			t.Errorf("expected flag %q not found on gateway command", name)
		}
	}
}

func TestRootCmdPersistentFlags(t *testing.T) {
	flags := rootCmd.PersistentFlags()

	expectedFlags := []string{
		"verbosity",
		"api-bind-address",
		"otlp-endpoint",
		"otlp-insecure",
	}

	for _, name := range expectedFlags {
		f := flags.Lookup(name)
		if f == nil {
			t.Errorf("expected persistent flag %q not found on root command", name)
		}
	}
}

func TestFlagDefaults(t *testing.T) {
	tests := []struct {
		cmd      string
		flag     string
		expected string
	}{
		{"controller", "self-heal", "true"},
		{"controller", "resync-interval", "30s"},
		{"controller", "reconcile-workers", "2"},
		{"gateway", "https-bind-address", ":8443"},
		{"gateway", "route-reload-interval", "10s"},
		{"gateway", "rate-limit", "1000"},
	}

	for _, tt := range tests {
		t.Run(tt.cmd+"/"+tt.flag, func(t *testing.T) {
			var cmd *cobra.Command
			switch tt.cmd {
			case "controller":
				cmd = controllerCmd
			case "gateway":
				cmd = gatewayCmd
			default:
				t.Fatalf("unknown command %q", tt.cmd)
				return
			}
			pf := cmd.Flags().Lookup(tt.flag)
			if pf == nil {
				t.Fatalf("flag %q not found on %s command", tt.flag, tt.cmd)
			}
			if pf.DefValue != tt.expected {
				t.Errorf("flag %q default = %q, want %q", tt.flag, pf.DefValue, tt.expected)
			}
		})
	}
}
