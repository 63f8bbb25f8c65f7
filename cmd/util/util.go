package util

import (
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"github.com/ValentinKolb/wsql/rpc/transport/embedded"
	"github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the connection and session manager flags to a command
func SetupClientFlags(cmd *cobra.Command) {
	key := "url"
	cmd.PersistentFlags().String(key, "ws://localhost:8080", WrapString("The database url (libsql://, wss:// or ws://). The query parameters tls=0|1 and authToken are supported"))

	key = "auth-token"
	cmd.PersistentFlags().String(key, "", WrapString("The auth token sent to the server (overrides the authToken url parameter)"))

	key = "tls"
	cmd.PersistentFlags().String(key, "", WrapString("Explicitly enable (true) or disable (false) TLS. Empty derives TLS from the url scheme"))

	key = "rotation-interval"
	cmd.PersistentFlags().Duration(key, common.DefaultRotationInterval, WrapString("Age after which a connection is replaced in the background"))

	key = "rotation-retry-delay"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Minimum time between a failed connection rotation and the next attempt (0 retries on the next request)"))

	key = "connect-timeout"
	cmd.PersistentFlags().Int(key, common.DefaultConnectTimeoutSecond, WrapString("Timeout in seconds for opening a connection"))

	key = "log-level"
	cmd.PersistentFlags().String(key, common.DefaultLogLevel, WrapString("Log level (debug, info, warn, error)"))

	key = "transport"
	cmd.PersistentFlags().String(key, "embedded", WrapString("Transport to use (embedded)"))

	key = "embedded-dsn"
	cmd.PersistentFlags().String(key, embedded.DefaultDSN, WrapString("SQLite data source of the embedded transport"))

	key = "metrics"
	cmd.PersistentFlags().Bool(key, false, WrapString("Print the client metrics in the Prometheus text format after the command"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("wsql")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() (*common.ClientConfig, error) {
	conf := &common.ClientConfig{
		URL:                  viper.GetString("url"),
		AuthToken:            viper.GetString("auth-token"),
		RotationInterval:     viper.GetDuration("rotation-interval"),
		RotationRetryDelay:   viper.GetDuration("rotation-retry-delay"),
		ConnectTimeoutSecond: viper.GetInt("connect-timeout"),
		LogLevel:             viper.GetString("log-level"),
	}

	switch tls := strings.ToLower(viper.GetString("tls")); tls {
	case "":
	case "true", "1", "on":
		conf.TLS = common.BoolPtr(true)
	case "false", "0", "off":
		conf.TLS = common.BoolPtr(false)
	default:
		return nil, fmt.Errorf("%w: invalid value for --tls %q, use true or false", common.ErrConfiguration, tls)
	}

	return conf, nil
}

// GetConnector creates the transport connector based on configuration
func GetConnector() (transport.IConnector, error) {
	switch viper.GetString("transport") {
	case "embedded":
		return embedded.NewConnector(viper.GetString("embedded-dsn")), nil
	default:
		return nil, fmt.Errorf("%w: invalid transport %s", common.ErrTransportUnsupported, viper.GetString("transport"))
	}
}

// WriteMetrics writes the client metrics if --metrics is set
func WriteMetrics(w io.Writer) {
	if viper.GetBool("metrics") {
		metrics.WritePrometheus(w, false)
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
