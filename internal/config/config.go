// Package config holds the mochi-server settings object.
//
// Settings are populated from (highest precedence first) CLI flags,
// environment variables with the MOCHI_ prefix, an optional config file,
// and built-in defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings is the root configuration for mochi-server.
type Settings struct {
	// Server
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Upstream inference daemon (Ollama-compatible API)
	OllamaHost string `mapstructure:"ollama_host"`

	// Data directories, relative to DataDir unless absolute.
	DataDir          string `mapstructure:"data_dir"`
	SessionsDir      string `mapstructure:"sessions_dir"`
	ToolsDir         string `mapstructure:"tools_dir"`
	AgentsDir        string `mapstructure:"agents_dir"`
	AgentChatsDir    string `mapstructure:"agent_chats_dir"`
	SystemPromptsDir string `mapstructure:"system_prompts_dir"`

	// Ephemeral agent directive prompt files.
	PlanningPromptPath  string `mapstructure:"planning_prompt_path"`
	ExecutionPromptPath string `mapstructure:"execution_prompt_path"`

	SummarizationEnabled        bool `mapstructure:"summarization_enabled"`
	DynamicContextWindowEnabled bool `mapstructure:"dynamic_context_window_enabled"`

	LogLevel string `mapstructure:"log_level"`

	// Turn orchestration limits.
	MaxToolRounds       int `mapstructure:"max_tool_rounds"`
	MaxAgentIterations  int `mapstructure:"max_agent_iterations"`
	ConfirmationTimeout int `mapstructure:"confirmation_timeout_seconds"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8000)
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("data_dir", ".")
	v.SetDefault("sessions_dir", "chat_sessions")
	v.SetDefault("tools_dir", "tools")
	v.SetDefault("agents_dir", "agents")
	v.SetDefault("agent_chats_dir", "agents/agent_chats")
	v.SetDefault("system_prompts_dir", "system_prompts")
	v.SetDefault("planning_prompt_path", "docs/agents/agent_prompt_planning.md")
	v.SetDefault("execution_prompt_path", "docs/agents/agent_prompt_execution.md")
	v.SetDefault("summarization_enabled", true)
	v.SetDefault("dynamic_context_window_enabled", true)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("max_tool_rounds", 10)
	v.SetDefault("max_agent_iterations", 50)
	v.SetDefault("confirmation_timeout_seconds", 120)
}

// Load builds Settings from defaults, an optional config file, MOCHI_*
// environment variables, and the given flag set (nil is allowed).
func Load(cfgFile string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MOCHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &s, nil
}

// resolve joins a possibly relative path onto DataDir.
func (s *Settings) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.DataDir, p)
}

func (s *Settings) ResolvedSessionsDir() string      { return s.resolve(s.SessionsDir) }
func (s *Settings) ResolvedToolsDir() string         { return s.resolve(s.ToolsDir) }
func (s *Settings) ResolvedAgentsDir() string        { return s.resolve(s.AgentsDir) }
func (s *Settings) ResolvedAgentChatsDir() string    { return s.resolve(s.AgentChatsDir) }
func (s *Settings) ResolvedSystemPromptsDir() string { return s.resolve(s.SystemPromptsDir) }
func (s *Settings) ResolvedPlanningPromptPath() string {
	return s.resolve(s.PlanningPromptPath)
}
func (s *Settings) ResolvedExecutionPromptPath() string {
	return s.resolve(s.ExecutionPromptPath)
}

// Addr returns the host:port bind address for the HTTP server.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
