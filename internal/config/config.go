// Package config implements the option set spec.md §4.L names for the
// server and client entrypoints: listen, connect, maxCores,
// logFilePath, recover. It binds cobra flags into viper exactly the
// way _examples/ValentinKolb-dKV/cmd/serve/root.go does
// (viper.BindPFlags in a cobra PreRunE), so values come from flags or,
// once InitEnv has been called, GUNGNIR_-prefixed environment
// variables. No config file is read.
package config

import (
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServerConfig holds every option recognized by the gungnir-server
// entrypoint.
type ServerConfig struct {
	Listen      string
	MaxCores    int
	LogFilePath string
	Recover     bool
	LogLevel    string
}

// ClientConfig holds every option recognized by the gungnir-client
// entrypoint.
type ClientConfig struct {
	Connect string
}

// BindServerFlags registers the server's flags on cmd and wires them
// through viper, mirroring dKV's ServeCmd.init.
func BindServerFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("listen", "0.0.0.0:11222", "address the server listens on")
	cmd.PersistentFlags().Int("max-cores", defaultMaxCores(), "number of worker goroutines (spec: maxCores)")
	cmd.PersistentFlags().String("log-file-path", "data", "WAL directory (spec: logFilePath, required for server)")
	cmd.PersistentFlags().Bool("recover", true, "recover option; the write-ahead log is replayed on startup whatever this is set to")
	cmd.PersistentFlags().String("log-level", "info", "log verbosity (debug, info, warn, error)")
}

// BindClientFlags registers the client's flags on cmd.
func BindClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("connect", "127.0.0.1:11222", "server address to connect to")
}

// LoadServerConfig reads bound flags (and any GUNGNIR_-prefixed
// environment overrides) into a ServerConfig. Call after
// viper.BindPFlags(cmd.Flags()) in the command's PreRunE.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Listen:      viper.GetString("listen"),
		MaxCores:    viper.GetInt("max-cores"),
		LogFilePath: viper.GetString("log-file-path"),
		Recover:     viper.GetBool("recover"),
		LogLevel:    viper.GetString("log-level"),
	}
}

// LoadClientConfig reads the client's bound flags.
func LoadClientConfig() ClientConfig {
	return ClientConfig{Connect: viper.GetString("connect")}
}

func defaultMaxCores() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// InitEnv wires the GUNGNIR_ environment prefix, matching dKV's
// DKV_<flag> convention in cmd/serve/root.go's doc comment.
func InitEnv() {
	viper.SetEnvPrefix("GUNGNIR")
	viper.AutomaticEnv()
}
