// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"os"
	"regexp"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/telekom/mesh-operator/internal/system"
)

var (
	setupLog  logr.Logger
	verbosity int

	apiAddr      string
	otlpEndpoint string
	otlpInsecure bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mesh-operator",
	Short: "Policy-driven service mesh control plane",
	Long: `mesh-operator converges declared mesh configuration into the running
mesh: workloads, authorization policies, admission constraints, external
secret bindings and ingress routes. Run the controller for the control
plane and the gateway for the traffic entry point.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = flag.Set("v", strconv.Itoa(verbosity))
		setupLog = klog.NewKlogr().WithName("setup")
		setupLog.Info("app info", "name", system.Name, "version", system.Version, "commit", system.Commit)
		setupLog.V(1).Info("flags", "values", redactSensitiveFlags(cmd.Flags()))
	},
}

// sensitivePattern matches flag names whose values must never reach the logs.
var sensitivePattern = regexp.MustCompile(`(?i)(token|secret|password|passphrase|key|auth|credential|private|cert|bearer|client[-_]id)`)

// redactSensitiveFlags returns the flag values of the set with credential
// material masked, for safe startup logging.
func redactSensitiveFlags(flags *pflag.FlagSet) map[string]string {
	values := map[string]string{}
	flags.VisitAll(func(f *pflag.Flag) {
		if sensitivePattern.MatchString(f.Name) {
			values[f.Name] = "[REDACTED]"
			return
		}
		values[f.Name] = f.Value.String()
	})
	return values
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	klog.InitFlags(nil)

	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbosity", "v", 2, "Log level (0-9)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api-bind-address", ":8080", "The address the control-plane API binds to.")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", os.Getenv("OTLP_ENDPOINT"), "OTLP collector endpoint for traces. Empty disables tracing.")
	rootCmd.PersistentFlags().BoolVar(&otlpInsecure, "otlp-insecure", false, "Disable TLS for the OTLP exporter connection.")
}
