package config

// Config is the top-level configuration parsed from mergefactory YAML.
type Config struct {
	Server        Server        `yaml:"server"`
	Storage       Storage       `yaml:"storage"`
	Pipeline      Pipeline      `yaml:"pipeline"`
	Collaborators Collaborators `yaml:"collaborators"`
}

// Server configures the HTTP surface.
type Server struct {
	Port          int    `yaml:"port"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Storage selects and configures the registry backend.
type Storage struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// Pipeline configures the validation pipeline itself. Retry and backoff
// parameters live here, never in code.
type Pipeline struct {
	// Concurrency caps simultaneously executing stage attempts across all
	// runs, so N validations never exceed sandbox capacity.
	Concurrency int `yaml:"concurrency"`

	// AutoMerge is the project flag conjoined into the merge decision.
	AutoMerge bool `yaml:"auto_merge"`

	// EvalTask tells the automated evaluator what to verify.
	EvalTask string `yaml:"eval_task"`

	// SetupCommands run in a fresh snapshot before anything else;
	// DeployCommands produce the running target to evaluate.
	SetupCommands  []string `yaml:"setup_commands"`
	DeployCommands []string `yaml:"deploy_commands"`

	Defaults StagePolicy            `yaml:"defaults"`
	Stages   map[string]StagePolicy `yaml:"stages"` // keyed by executor name

	// DedupeRetention bounds how long webhook delivery IDs are remembered.
	DedupeRetention string `yaml:"dedupe_retention"`
	// RetainTerminal bounds how long finished runs are kept before the
	// garbage collector removes them.
	RetainTerminal string `yaml:"retain_terminal"`
}

// StagePolicy holds the per-stage limits.
type StagePolicy struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Timeout     string `yaml:"timeout"`
	BackoffBase string `yaml:"backoff_base"`
	BackoffMax  string `yaml:"backoff_max"`
}

// Endpoint locates one external collaborator.
type Endpoint struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Collaborators locates the external services the pipeline drives.
type Collaborators struct {
	Sandbox       Endpoint `yaml:"sandbox"`
	Evaluator     Endpoint `yaml:"evaluator"`
	SourceControl Endpoint `yaml:"source_control"`
	CodeGen       Endpoint `yaml:"codegen"`
}
