package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// envKeyReplacer maps nested keys such as store.backend to CMDASSIST_STORE_BACKEND.
var envKeyReplacer = strings.NewReplacer(".", "_")

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "cmdassist"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage cmdassist configuration.

Running bare 'cmdassist config' is the same as 'cmdassist config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# cmdassist configuration
# See: cmdassist config show (for effective values and sources)

# State/data directory (default: ~/.config/cmdassist)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/cmdassist/cmdassist.db)
# db_path: {{ .DBPath }}

# Command generation
anthropic:
  # API key (or set ANTHROPIC_API_KEY)
  api_key: ""
  model: "{{ .Model }}"
  max_tokens: {{ .MaxTokens }}

llm:
  # Seconds to wait for a generated command
  timeout_seconds: {{ .LLMTimeout }}

workflow:
  # Retries offered after a failed command
  max_retries: {{ .MaxRetries }}

execution:
  # Hard timeout for an approved command
  timeout_seconds: {{ .ExecTimeout }}
  # Treat any stderr output as a failure, even with exit status 0
  fail_on_stderr: {{ .FailOnStderr }}
  # Treat a non-zero exit status as a failure, even with empty stderr
  fail_on_nonzero_exit: {{ .FailOnNonZeroExit }}
  # Interpreter run as "<shell> -c <command>" (default: /bin/sh)
  # shell: /bin/bash
  # Working directory for commands (default: current directory)
  # workdir: /tmp

# Checkpoint storage
store:
  # sqlite, nats, or memory
  backend: "{{ .Backend }}"
  nats:
    url: "{{ .NATSURL }}"
    bucket: "{{ .NATSBucket }}"
  # Bytes of read cache in front of the backend (0 disables)
  cache_bytes: {{ .CacheBytes }}

server:
  addr: "{{ .ServerAddr }}"

sessions:
  # Delete a websocket connection's sessions when it disconnects
  discard_on_disconnect: {{ .DiscardOnDisconnect }}

log:
  # debug, info, warn, error
  level: "{{ .LogLevel }}"
  # text or json
  format: "{{ .LogFormat }}"
`

type configTemplateData struct {
	StateDir            string
	DBPath              string
	Model               string
	MaxTokens           int
	LLMTimeout          int
	MaxRetries          int
	ExecTimeout         int
	FailOnStderr        bool
	FailOnNonZeroExit   bool
	Backend             string
	NATSURL             string
	NATSBucket          string
	CacheBytes          int64
	ServerAddr          string
	DiscardOnDisconnect bool
	LogLevel            string
	LogFormat           string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:            viper.GetString("state_dir"),
		DBPath:              viper.GetString("db_path"),
		Model:               viper.GetString("anthropic.model"),
		MaxTokens:           viper.GetInt("anthropic.max_tokens"),
		LLMTimeout:          viper.GetInt("llm.timeout_seconds"),
		MaxRetries:          viper.GetInt("workflow.max_retries"),
		ExecTimeout:         viper.GetInt("execution.timeout_seconds"),
		FailOnStderr:        viper.GetBool("execution.fail_on_stderr"),
		FailOnNonZeroExit:   viper.GetBool("execution.fail_on_nonzero_exit"),
		Backend:             viper.GetString("store.backend"),
		NATSURL:             viper.GetString("store.nats.url"),
		NATSBucket:          viper.GetString("store.nats.bucket"),
		CacheBytes:          viper.GetInt64("store.cache_bytes"),
		ServerAddr:          viper.GetString("server.addr"),
		DiscardOnDisconnect: viper.GetBool("sessions.discard_on_disconnect"),
		LogLevel:            viper.GetString("log.level"),
		LogFormat:           viper.GetString("log.format"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir"},
	{Key: "db_path"},
	{Key: "anthropic.api_key"},
	{Key: "anthropic.model"},
	{Key: "anthropic.max_tokens"},
	{Key: "llm.timeout_seconds"},
	{Key: "workflow.max_retries"},
	{Key: "execution.timeout_seconds"},
	{Key: "execution.fail_on_stderr"},
	{Key: "execution.fail_on_nonzero_exit"},
	{Key: "execution.shell"},
	{Key: "execution.workdir"},
	{Key: "execution.max_output_bytes"},
	{Key: "store.backend"},
	{Key: "store.nats.url"},
	{Key: "store.nats.bucket"},
	{Key: "store.cache_bytes"},
	{Key: "server.addr"},
	{Key: "server.url"},
	{Key: "sessions.discard_on_disconnect"},
	{Key: "log.level"},
	{Key: "log.format"},
}

func init() {
	for i := range configKeys {
		configKeys[i].EnvVar = envVarFor(configKeys[i].Key)
	}
}

// envVarFor returns the environment variable viper reads for key.
func envVarFor(key string) string {
	return "CMDASSIST_" + strings.ToUpper(envKeyReplacer.Replace(key))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Key == "anthropic.api_key" && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'cmdassist config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
