package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	MaxRetryTime   int      `yaml:"max_retry_time_ms"`
}

type AuditStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig fixes the canonical format shared by the mixer and the
// DTMF detector across the whole pipeline.
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	SampleWidth     int `yaml:"sample_width"`
	FrameDurationMS int `yaml:"frame_duration_ms"`
}

type DTMFConfig struct {
	MinToneDurationMS int     `yaml:"min_tone_duration_ms"`
	WindowMS          int     `yaml:"window_ms"`
	StepMS            int     `yaml:"step_ms"`
	PowerThreshold    float64 `yaml:"power_threshold"`
}

type EventsConfig struct {
	HandlerConcurrency int  `yaml:"handler_concurrency"`
	MirrorToBus        bool `yaml:"mirror_to_bus"`
}

type IVRMenuOption struct {
	Description string `yaml:"description"`
	Action      string `yaml:"action"`    // emergency|human_agent|ai_assistant|repeat|hangup
	NextMenu    string `yaml:"next_menu"` // set instead of action for submenu transitions
}

type IVRMenuConfig struct {
	Prompt  string                   `yaml:"prompt"`
	Options map[string]IVRMenuOption `yaml:"options"`
	Default string                   `yaml:"default"` // action for unmapped digits; empty means repeat
}

type IVRConfig struct {
	RootMenu       string                   `yaml:"root_menu"`
	EmergencyDigit string                   `yaml:"emergency_digit"`
	TimeoutSeconds int                      `yaml:"timeout_seconds"`
	Menus          map[string]IVRMenuConfig `yaml:"menus"`
}

type IntentConfig struct {
	Mode     string            `yaml:"mode"` // mock, keyword, exec
	Command  string            `yaml:"command"`
	Keywords map[string]string `yaml:"keywords"` // phrase -> intent
}

type RoutingConfig struct {
	OperatingHoursStart string            `yaml:"operating_hours_start"`
	OperatingHoursEnd   string            `yaml:"operating_hours_end"`
	DefaultAgent        string            `yaml:"default_agent"`
	HumanOperator       string            `yaml:"human_operator"`
	IntentAgents        map[string]string `yaml:"intent_agents"`
	EmergencyCountry    string            `yaml:"emergency_country"`
	EmergencyNumbers    map[string]string `yaml:"emergency_numbers"`
}

type HandoffConfig struct {
	DefaultPriority int `yaml:"default_priority"`
}

type MediaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	TapDir  string `yaml:"tap_dir"` // when set, mixed frames are also written to WAV files here
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	AuditStore  AuditStoreConfig `yaml:"audit_store"`
	Audio       AudioConfig      `yaml:"audio"`
	DTMF        DTMFConfig       `yaml:"dtmf"`
	Events      EventsConfig     `yaml:"events"`
	IVR         IVRConfig        `yaml:"ivr"`
	Intent      IntentConfig     `yaml:"intent"`
	Routing     RoutingConfig    `yaml:"routing"`
	Handoff     HandoffConfig    `yaml:"handoff"`
	Media       MediaConfig      `yaml:"media"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-telephony",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxRetryTime:   15000,
		},
		AuditStore: AuditStoreConfig{
			Path:          "./data/telephony-audit.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			SampleWidth:     2,
			FrameDurationMS: 20,
		},
		DTMF: DTMFConfig{
			MinToneDurationMS: 40,
			WindowMS:          50,
			StepMS:            25,
			PowerThreshold:    1e6,
		},
		Events: EventsConfig{
			HandlerConcurrency: 4,
			MirrorToBus:        false,
		},
		IVR: IVRConfig{
			RootMenu:       "main_menu",
			EmergencyDigit: "1",
			TimeoutSeconds: 10,
			Menus: map[string]IVRMenuConfig{
				"main_menu": {
					Prompt: "Welcome. How can I help you today?",
					Options: map[string]IVRMenuOption{
						"1": {Description: "medical emergency", Action: "emergency"},
						"2": {Description: "speak to a human", Action: "human_agent"},
						"3": {Description: "appointments", NextMenu: "appointment_menu"},
						"0": {Description: "repeat this menu", Action: "repeat"},
					},
					Default: "ai_assistant",
				},
				"appointment_menu": {
					Prompt: "For appointments, press 2 to book, 3 to reschedule, or 9 for the main menu.",
					Options: map[string]IVRMenuOption{
						"2": {Description: "book a new appointment", Action: "ai_assistant"},
						"3": {Description: "reschedule an appointment", Action: "ai_assistant"},
						"9": {Description: "main menu", NextMenu: "main_menu"},
					},
					Default: "ai_assistant",
				},
			},
		},
		Intent: IntentConfig{
			Mode: "keyword",
			Keywords: map[string]string{
				"emergency":     "medical_emergency",
				"can't breathe": "medical_emergency",
				"chest pain":    "medical_emergency",
				"book":          "appointment_booking",
				"appointment":   "appointment_booking",
				"headache":      "symptom_report",
				"fever":         "symptom_report",
			},
		},
		Routing: RoutingConfig{
			OperatingHoursStart: "09:00",
			OperatingHoursEnd:   "17:00",
			DefaultAgent:        "ai_assistant",
			HumanOperator:       "human_operator",
			IntentAgents: map[string]string{
				"symptom_report":      "medical_triage_agent",
				"appointment_booking": "appointment_booking_agent",
				"general_question":    "ai_assistant",
			},
			EmergencyCountry: "US",
			EmergencyNumbers: map[string]string{
				"US":      "911",
				"IN":      "108",
				"GB":      "999",
				"DEFAULT": "112",
			},
		},
		Handoff: HandoffConfig{
			DefaultPriority: 1,
		},
		Media: MediaConfig{
			Enabled: true,
			Path:    "/media",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxRetryTime, "LOQA_BUS_MAX_RETRY_TIME_MS")
	overrideString(&cfg.AuditStore.Path, "LOQA_AUDIT_STORE_PATH")
	overrideString(&cfg.AuditStore.RetentionMode, "LOQA_AUDIT_STORE_RETENTION_MODE")
	overrideInt(&cfg.AuditStore.RetentionDays, "LOQA_AUDIT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.AuditStore.MaxSessions, "LOQA_AUDIT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.AuditStore.VacuumOnStart, "LOQA_AUDIT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.DTMF.MinToneDurationMS, "LOQA_DTMF_MIN_TONE_DURATION_MS")
	overrideInt(&cfg.DTMF.WindowMS, "LOQA_DTMF_WINDOW_MS")
	overrideInt(&cfg.DTMF.StepMS, "LOQA_DTMF_STEP_MS")
	overrideFloat(&cfg.DTMF.PowerThreshold, "LOQA_DTMF_POWER_THRESHOLD")
	overrideInt(&cfg.Events.HandlerConcurrency, "LOQA_EVENTS_HANDLER_CONCURRENCY")
	overrideBool(&cfg.Events.MirrorToBus, "LOQA_EVENTS_MIRROR_TO_BUS")
	overrideString(&cfg.Intent.Mode, "LOQA_INTENT_MODE")
	overrideString(&cfg.Intent.Command, "LOQA_INTENT_COMMAND")
	overrideString(&cfg.Routing.OperatingHoursStart, "LOQA_ROUTING_OPERATING_HOURS_START")
	overrideString(&cfg.Routing.OperatingHoursEnd, "LOQA_ROUTING_OPERATING_HOURS_END")
	overrideString(&cfg.Routing.DefaultAgent, "LOQA_ROUTING_DEFAULT_AGENT")
	overrideString(&cfg.Routing.HumanOperator, "LOQA_ROUTING_HUMAN_OPERATOR")
	overrideString(&cfg.Routing.EmergencyCountry, "LOQA_ROUTING_EMERGENCY_COUNTRY")
	overrideInt(&cfg.Handoff.DefaultPriority, "LOQA_HANDOFF_DEFAULT_PRIORITY")
	overrideBool(&cfg.Media.Enabled, "LOQA_MEDIA_ENABLED")
	overrideString(&cfg.Media.Path, "LOQA_MEDIA_PATH")
	overrideString(&cfg.Media.TapDir, "LOQA_MEDIA_TAP_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.AuditStore.Path == "" {
		return errors.New("audit_store.path must not be empty")
	}
	switch cfg.AuditStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("audit_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.AuditStore.RetentionDays < 0 {
		return errors.New("audit_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.SampleWidth != 2 {
		return errors.New("audio.sample_width must be 2 (16-bit PCM)")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.DTMF.MinToneDurationMS <= 0 {
		return errors.New("dtmf.min_tone_duration_ms must be positive")
	}
	if cfg.DTMF.WindowMS <= 0 || cfg.DTMF.StepMS <= 0 || cfg.DTMF.StepMS > cfg.DTMF.WindowMS {
		return errors.New("dtmf window/step must be positive with step <= window")
	}
	if cfg.DTMF.PowerThreshold <= 0 {
		return errors.New("dtmf.power_threshold must be positive")
	}
	if cfg.Events.HandlerConcurrency <= 0 {
		return errors.New("events.handler_concurrency must be >= 1")
	}
	if cfg.IVR.RootMenu == "" {
		return errors.New("ivr.root_menu must not be empty")
	}
	if _, ok := cfg.IVR.Menus[cfg.IVR.RootMenu]; !ok {
		return fmt.Errorf("ivr.menus must contain the root menu %q", cfg.IVR.RootMenu)
	}
	switch cfg.Intent.Mode {
	case "mock", "keyword", "exec":
	default:
		return errors.New("intent.mode must be one of mock|keyword|exec")
	}
	if cfg.Intent.Mode == "exec" && cfg.Intent.Command == "" {
		return errors.New("intent.command must be set when mode=exec")
	}
	if _, err := ParseClock(cfg.Routing.OperatingHoursStart); err != nil {
		return fmt.Errorf("routing.operating_hours_start: %w", err)
	}
	if _, err := ParseClock(cfg.Routing.OperatingHoursEnd); err != nil {
		return fmt.Errorf("routing.operating_hours_end: %w", err)
	}
	if cfg.Routing.DefaultAgent == "" {
		return errors.New("routing.default_agent must not be empty")
	}
	if cfg.Routing.HumanOperator == "" {
		return errors.New("routing.human_operator must not be empty")
	}
	if _, ok := cfg.Routing.EmergencyNumbers["DEFAULT"]; !ok {
		return errors.New("routing.emergency_numbers must contain a DEFAULT entry")
	}
	if cfg.Media.Enabled && !strings.HasPrefix(cfg.Media.Path, "/") {
		return errors.New("media.path must start with /")
	}
	return nil
}

// ParseClock parses an HH:MM wall-clock value into the offset from
// midnight.
func ParseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM value %q", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
