package autonomy

import "time"

// AutonomyLevel governs whether and how tasks require approval before
// execution.
type AutonomyLevel string

const (
	LevelDisabled   AutonomyLevel = "disabled"
	LevelAssisted   AutonomyLevel = "assisted"
	LevelSupervised AutonomyLevel = "supervised"
	LevelFull       AutonomyLevel = "full"
)

// Config is the full recognized configuration surface (see spec §6).
// LoadConfig decodes a YAML file into this struct; a host process may also
// build one directly and pass it to orchestrator.New.
type Config struct {
	Autonomy  AutonomyConfig  `yaml:"autonomy"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
}

// AutonomyConfig configures C5/C6: concurrency, approval requirements, and
// the safety check chain.
type AutonomyConfig struct {
	DefaultLevel       AutonomyLevel     `yaml:"default_level"`
	MaxConcurrentTasks int               `yaml:"max_concurrent_tasks"`
	RequireApproval    RequireApproval   `yaml:"require_approval"`
	Safety             SafetyConfig      `yaml:"safety"`
	Persistence        PersistenceConfig `yaml:"persistence"`
}

// RequireApproval mirrors autonomy.require_approval.{new_tasks,
// modified_tasks, high_risk}.
type RequireApproval struct {
	NewTasks      bool `yaml:"new_tasks"`
	ModifiedTasks bool `yaml:"modified_tasks"`
	HighRisk      bool `yaml:"high_risk"`
}

// SafetyConfig mirrors autonomy.safety.*.
type SafetyConfig struct {
	EnableSafetyChecks bool     `yaml:"enable_safety_checks"`
	RestrictedActions  []string `yaml:"restricted_actions"`
	HighRiskActions    []string `yaml:"high_risk_actions"`
}

// PersistenceConfig mirrors autonomy.persistence.*.
type PersistenceConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// SchedulerConfig mirrors scheduler.*.
type SchedulerConfig struct {
	CheckInterval  time.Duration    `yaml:"check_interval"`
	RecurringTasks []ScheduleConfig `yaml:"recurring_tasks"`
}

// ScheduleConfig is one preloaded recurring schedule definition.
type ScheduleConfig struct {
	Name            string         `yaml:"name"`
	Action          string         `yaml:"action"`
	Parameters      map[string]any `yaml:"parameters"`
	Kind            ScheduleKind   `yaml:"kind"`
	StartTime       *time.Time     `yaml:"start_time,omitempty"`
	EndTime         *time.Time     `yaml:"end_time,omitempty"`
	IntervalSeconds float64        `yaml:"interval_seconds,omitempty"`
	Days            []int          `yaml:"days,omitempty"`
	TimeOfDay       string         `yaml:"time_of_day,omitempty"`
	CronExpression  string         `yaml:"cron_expression,omitempty"`
	MaxRuns         *int           `yaml:"max_runs,omitempty"`
	Tags            []string       `yaml:"tags,omitempty"`
}

// FeedbackConfig mirrors feedback.*.
type FeedbackConfig struct {
	AutoSave     bool          `yaml:"auto_save"`
	SaveInterval time.Duration `yaml:"save_interval"`
	StorageDir   string        `yaml:"storage_dir"`
}

// DefaultConfig returns the documented defaults: supervised autonomy, 5
// concurrent tasks, safety checks on, 1s scheduler tick, 60s feedback
// auto-save.
func DefaultConfig() Config {
	return Config{
		Autonomy: AutonomyConfig{
			DefaultLevel:       LevelSupervised,
			MaxConcurrentTasks: 5,
			RequireApproval: RequireApproval{
				NewTasks:      true,
				ModifiedTasks: true,
				HighRisk:      true,
			},
			Safety: SafetyConfig{
				EnableSafetyChecks: true,
			},
			Persistence: PersistenceConfig{
				Enable: true,
				Dir:    "autonomy_state",
			},
		},
		Scheduler: SchedulerConfig{
			CheckInterval: time.Second,
		},
		Feedback: FeedbackConfig{
			AutoSave:     true,
			SaveInterval: 60 * time.Second,
		},
	}
}
