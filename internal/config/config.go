// Package config loads and validates the deployer's runtime configuration
// from environment variables. Environment-variable names are part of the
// external contract (see SPEC_FULL.md §6) and must not be renamed casually.
package config

import (
	"fmt"
	"time"
)

// AppConfig is the immutable, process-wide configuration snapshot. It is
// constructed once at startup by Load and passed by reference to every
// component; no component reads os.Getenv directly after startup.
type AppConfig struct {
	// Lease timing
	LeaveTime time.Duration // LEAVE_TIME
	AddTime   time.Duration // ADD_TIME

	// Challenge workload
	ImagesName      string // IMAGES_NAME
	Flag            string // FLAG
	PortInContainer int    // PORT_IN_CONTAINER

	// Port pool
	StartRange int // START_RANGE
	StopRange  int // STOP_RANGE

	// Networking
	NetworkName   string // NETWORK_NAME
	NetworkSubnet string // NETWORK_SUBNET

	// Database
	DatabasePath       string // DATABASE_PATH
	RequestPoolSize    int    // DB_REQUEST_POOL_SIZE
	MaintenancePoolSize int   // DB_MAINTENANCE_POOL_SIZE

	// Container resource limits
	ContainerMemoryLimit string  // CONTAINER_MEMORY_LIMIT
	ContainerSwapLimit   string  // CONTAINER_SWAP_LIMIT
	ContainerCPULimit    float64 // CONTAINER_CPU_LIMIT (fractional cores)
	ContainerPidsLimit   int64   // CONTAINER_PIDS_LIMIT

	// Container security
	EnableNoNewPrivileges bool   // ENABLE_NO_NEW_PRIVILEGES
	EnableReadOnly        bool   // ENABLE_READ_ONLY
	EnableTmpfs           bool   // ENABLE_TMPFS
	TmpfsSize             string // TMPFS_SIZE
	DropAllCapabilities   bool   // DROP_ALL_CAPABILITIES
	CapNetBindService     bool   // CAP_NET_BIND_SERVICE
	CapChown              bool   // CAP_CHOWN

	// Admission
	MaxContainersPerHour int           // MAX_CONTAINERS_PER_HOUR
	RateLimitWindow      time.Duration // RATE_LIMIT_WINDOW
	BypassCaptcha        bool          // BYPASS_CAPTCHA
	CaptchaTTL           time.Duration // CAPTCHA_TTL

	// Concurrency
	ThreadPoolSize int // THREAD_POOL_SIZE

	// Maintenance sweep
	MaintenanceInterval  time.Duration // MAINTENANCE_INTERVAL
	MaintenanceBatchSize int           // MAINTENANCE_BATCH_SIZE
	StalePortMaxAge      time.Duration // STALE_PORT_MAX_AGE

	// Port allocation retry
	PortAllocationMaxAttempts int // PORT_ALLOCATION_MAX_ATTEMPTS

	// Resource quotas
	EnableResourceQuotas   bool          // ENABLE_RESOURCE_QUOTAS
	MaxTotalContainers     int           // MAX_TOTAL_CONTAINERS
	MaxTotalCPUPercent     float64       // MAX_TOTAL_CPU_PERCENT
	MaxTotalMemoryGB       float64       // MAX_TOTAL_MEMORY_GB
	ResourceCheckInterval  time.Duration // RESOURCE_CHECK_INTERVAL
	ResourceSoftLimitPct   float64       // RESOURCE_SOFT_LIMIT_PERCENT

	// Admin / ops
	AdminKey           string // ADMIN_KEY
	ComposeProjectName string // COMPOSE_PROJECT_NAME
	EnableLogsEndpoint bool   // ENABLE_LOGS_ENDPOINT

	// Ambient
	LogLevel string // LOG_LEVEL
	HTTPAddr string // HTTP_ADDR

	// ShutdownTimeout bounds the graceful-shutdown reclamation pass (§4.E.5).
	ShutdownTimeout time.Duration // SHUTDOWN_TIMEOUT
}

// Load reads AppConfig from the environment, applying the defaults named in
// SPEC_FULL.md §6, then validates it.
func Load() (AppConfig, error) {
	cfg := AppConfig{
		LeaveTime:       ParseDuration("LEAVE_TIME", 1800*time.Second),
		AddTime:         ParseDuration("ADD_TIME", 600*time.Second),
		ImagesName:      ParseString("IMAGES_NAME", ""),
		Flag:             ParseString("FLAG", ""),
		PortInContainer: ParseInt("PORT_IN_CONTAINER", 80),

		StartRange: ParseInt("START_RANGE", 9000),
		StopRange:  ParseInt("STOP_RANGE", 9100),

		NetworkName:   ParseString("NETWORK_NAME", "ctf_net"),
		NetworkSubnet: ParseString("NETWORK_SUBNET", "172.28.0.0/16"),

		DatabasePath:        ParseString("DATABASE_PATH", "deployer.db"),
		RequestPoolSize:     ParseInt("DB_REQUEST_POOL_SIZE", 20),
		MaintenancePoolSize: ParseInt("DB_MAINTENANCE_POOL_SIZE", 4),

		ContainerMemoryLimit: ParseString("CONTAINER_MEMORY_LIMIT", "256M"),
		ContainerSwapLimit:   ParseString("CONTAINER_SWAP_LIMIT", "256M"),
		ContainerCPULimit:    ParseFloat("CONTAINER_CPU_LIMIT", 0.5),
		ContainerPidsLimit:   int64(ParseInt("CONTAINER_PIDS_LIMIT", 64)),

		EnableNoNewPrivileges: ParseBool("ENABLE_NO_NEW_PRIVILEGES", true),
		EnableReadOnly:        ParseBool("ENABLE_READ_ONLY", false),
		EnableTmpfs:           ParseBool("ENABLE_TMPFS", true),
		TmpfsSize:             ParseString("TMPFS_SIZE", "64M"),
		DropAllCapabilities:   ParseBool("DROP_ALL_CAPABILITIES", true),
		CapNetBindService:     ParseBool("CAP_NET_BIND_SERVICE", false),
		CapChown:              ParseBool("CAP_CHOWN", false),

		MaxContainersPerHour: ParseInt("MAX_CONTAINERS_PER_HOUR", 3),
		RateLimitWindow:      ParseDuration("RATE_LIMIT_WINDOW", 3600*time.Second),
		BypassCaptcha:        ParseBool("BYPASS_CAPTCHA", false),
		CaptchaTTL:           ParseDuration("CAPTCHA_TTL", 300*time.Second),

		ThreadPoolSize: ParseInt("THREAD_POOL_SIZE", 16),

		MaintenanceInterval:  ParseDuration("MAINTENANCE_INTERVAL", 300*time.Second),
		MaintenanceBatchSize: ParseInt("MAINTENANCE_BATCH_SIZE", 25),
		StalePortMaxAge:      ParseDuration("STALE_PORT_MAX_AGE", 600*time.Second),

		PortAllocationMaxAttempts: ParseInt("PORT_ALLOCATION_MAX_ATTEMPTS", 5),

		EnableResourceQuotas:  ParseBool("ENABLE_RESOURCE_QUOTAS", true),
		MaxTotalContainers:    ParseInt("MAX_TOTAL_CONTAINERS", 50),
		MaxTotalCPUPercent:    ParseFloat("MAX_TOTAL_CPU_PERCENT", 400),
		MaxTotalMemoryGB:      ParseFloat("MAX_TOTAL_MEMORY_GB", 16),
		ResourceCheckInterval: ParseDuration("RESOURCE_CHECK_INTERVAL", 30*time.Second),
		ResourceSoftLimitPct:  ParseFloat("RESOURCE_SOFT_LIMIT_PERCENT", 80),

		AdminKey:           ParseString("ADMIN_KEY", ""),
		ComposeProjectName: ParseString("COMPOSE_PROJECT_NAME", "ctf"),
		EnableLogsEndpoint: ParseBool("ENABLE_LOGS_ENDPOINT", true),

		LogLevel: ParseString("LOG_LEVEL", "info"),
		HTTPAddr: ParseString("HTTP_ADDR", ":8080"),

		ShutdownTimeout: ParseDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate enforces the startup checks named in SPEC_FULL.md §6.
func (c AppConfig) Validate() error {
	if c.StartRange >= c.StopRange {
		return fmt.Errorf("config: START_RANGE (%d) must be < STOP_RANGE (%d)", c.StartRange, c.StopRange)
	}
	if c.LeaveTime <= 0 {
		return fmt.Errorf("config: LEAVE_TIME must be > 0, got %s", c.LeaveTime)
	}
	if c.AddTime <= 0 {
		return fmt.Errorf("config: ADD_TIME must be > 0, got %s", c.AddTime)
	}
	if c.MaxTotalContainers <= 0 {
		return fmt.Errorf("config: MAX_TOTAL_CONTAINERS must be > 0, got %d", c.MaxTotalContainers)
	}
	if c.MaxTotalCPUPercent <= 0 {
		return fmt.Errorf("config: MAX_TOTAL_CPU_PERCENT must be > 0, got %f", c.MaxTotalCPUPercent)
	}
	if c.MaxTotalMemoryGB <= 0 {
		return fmt.Errorf("config: MAX_TOTAL_MEMORY_GB must be > 0, got %f", c.MaxTotalMemoryGB)
	}
	if _, err := ParseMemoryString(c.ContainerMemoryLimit); err != nil {
		return fmt.Errorf("config: CONTAINER_MEMORY_LIMIT %q does not parse: %w", c.ContainerMemoryLimit, err)
	}
	if _, err := ParseMemoryString(c.ContainerSwapLimit); err != nil {
		return fmt.Errorf("config: CONTAINER_SWAP_LIMIT %q does not parse: %w", c.ContainerSwapLimit, err)
	}
	if c.ImagesName == "" {
		return fmt.Errorf("config: IMAGES_NAME must be set")
	}
	if c.PortAllocationMaxAttempts <= 0 {
		return fmt.Errorf("config: PORT_ALLOCATION_MAX_ATTEMPTS must be > 0, got %d", c.PortAllocationMaxAttempts)
	}
	return nil
}

// PortRangeSize returns the number of ports in [StartRange, StopRange).
func (c AppConfig) PortRangeSize() int {
	if c.StopRange <= c.StartRange {
		return 0
	}
	return c.StopRange - c.StartRange
}
