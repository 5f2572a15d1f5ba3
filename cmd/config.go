package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "docreview"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage docreview configuration.

Running bare 'docreview config' is the same as 'docreview config show'.`,
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
const configTemplate = `# docreview configuration
# See: docreview config show (for effective values and sources)

# State/data directory (default: ~/.config/docreview)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/docreview/docreview.db)
# db_path: {{ .DBPath }}

# API server port (default: 8080)
port: {{ .Port }}

# Anthropic model access
anthropic:
  # API key; ANTHROPIC_API_KEY is used when empty
  api_key: ""

  # Model to use (default: "claude-haiku-4-5-20251001")
  model: "{{ .Model }}"

  # Output token limit per call (default: 8192)
  max_tokens: {{ .MaxTokens }}

  # Client-side rate limit, 0 for none (default: 0)
  requests_per_minute: {{ .RequestsPerMinute }}

  # Per-call timeout (default: "5m")
  timeout: "{{ .Timeout }}"

# Checklist extraction
extraction:
  # Attempts per source document (default: 5)
  max_attempts: {{ .ExtractionMaxAttempts }}

  # Source documents extracted in parallel (default: 4)
  concurrency: {{ .ExtractionConcurrency }}

# Evaluation
review:
  # Grading attempts per category and file (default: 3)
  max_attempts: {{ .ReviewMaxAttempts }}

  # Items per category before it is split (default: 3)
  max_items_per_category: {{ .MaxItemsPerCategory }}

  # Categories accepted from the model before the rest go to "Other" (default: 20)
  max_categories: {{ .MaxCategories }}
`

type configTemplateData struct {
	StateDir              string
	DBPath                string
	Port                  int
	Model                 string
	MaxTokens             int
	RequestsPerMinute     int
	Timeout               string
	ExtractionMaxAttempts int
	ExtractionConcurrency int
	ReviewMaxAttempts     int
	MaxItemsPerCategory   int
	MaxCategories         int
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
		StateDir:              viper.GetString("state_dir"),
		DBPath:                viper.GetString("db_path"),
		Port:                  viper.GetInt("port"),
		Model:                 viper.GetString("anthropic.model"),
		MaxTokens:             viper.GetInt("anthropic.max_tokens"),
		RequestsPerMinute:     viper.GetInt("anthropic.requests_per_minute"),
		Timeout:               viper.GetString("anthropic.timeout"),
		ExtractionMaxAttempts: viper.GetInt("extraction.max_attempts"),
		ExtractionConcurrency: viper.GetInt("extraction.concurrency"),
		ReviewMaxAttempts:     viper.GetInt("review.max_attempts"),
		MaxItemsPerCategory:   viper.GetInt("review.max_items_per_category"),
		MaxCategories:         viper.GetInt("review.max_categories"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
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
	{Key: "state_dir", EnvVar: "DOCREVIEW_STATE_DIR"},
	{Key: "db_path", EnvVar: "DOCREVIEW_DB_PATH"},
	{Key: "port", EnvVar: "DOCREVIEW_PORT"},
	{Key: "anthropic.model", EnvVar: "DOCREVIEW_ANTHROPIC_MODEL"},
	{Key: "anthropic.max_tokens", EnvVar: "DOCREVIEW_ANTHROPIC_MAX_TOKENS"},
	{Key: "anthropic.requests_per_minute", EnvVar: "DOCREVIEW_ANTHROPIC_REQUESTS_PER_MINUTE"},
	{Key: "anthropic.timeout", EnvVar: "DOCREVIEW_ANTHROPIC_TIMEOUT"},
	{Key: "extraction.max_attempts", EnvVar: "DOCREVIEW_EXTRACTION_MAX_ATTEMPTS"},
	{Key: "extraction.concurrency", EnvVar: "DOCREVIEW_EXTRACTION_CONCURRENCY"},
	{Key: "review.max_attempts", EnvVar: "DOCREVIEW_REVIEW_MAX_ATTEMPTS"},
	{Key: "review.max_items_per_category", EnvVar: "DOCREVIEW_REVIEW_MAX_ITEMS_PER_CATEGORY"},
	{Key: "review.max_categories", EnvVar: "DOCREVIEW_REVIEW_MAX_CATEGORIES"},
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
		return fmt.Errorf("config file not found: %s (run 'docreview config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
