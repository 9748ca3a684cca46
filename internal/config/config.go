package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr        string
		CORSOrigins []string
	}
	Database struct {
		Path string
	}
	QBittorrent struct {
		URL       string
		Username  string
		Password  string
		Timeout   time.Duration
		RateLimit float64
		Burst     int
		// Categories the dashboard may assign; empty allows any.
		Categories []string
	}
	Lock struct {
		// GatePath is the bulk-transfer job's lock; ticks skip while it exists.
		GatePath string
		SelfPath string
	}
	Scheduler struct {
		Cron             string
		RunOnStart       bool
		AuditConcurrency int
		RecheckSettle    time.Duration
	}
	Policy struct {
		StallThreshold      time.Duration
		DLTimeOverride      time.Duration
		SlowSpeed           int64
		SlowRunsLimit       int
		HighPrioritySpeed   int64
		HighPriorityPercent float64
		SmallMaxSize        int64
		NearCompleteRatio   float64
		HighSeedThreshold   int64
		SmartTopScore       float64
		SmartBottomScore    float64
		RecheckStartHour    int
		RecheckEndHour      int
		OffPeakStartHour    int
		OffPeakEndHour      int
	}
	Admission struct {
		MinActive               int
		MaxRecoveryAttempts     int
		AutoUnpauseHours        int
		BoostThreshold          int64
		MaxForced               int
		MaxForcedGroup          int
		BoostOffPeakOnly        bool
		ResetRecoveryOnProgress bool
	}
	Trackers struct {
		Fallback        []string
		Extra           []string
		UnregisteredTag string
	}
	Pulse struct {
		Enabled   bool
		Cron      string
		Duration  time.Duration
		BatchSize int
	}
	Archive struct {
		Enabled        bool
		Cron           string
		RetentionDays  int
		RemoteKeepDays int
		BatchSize      int
		Bucket         string
		KeyPrefix      string
		Region         string
		Endpoint       string
		Profile        string
	}
	Auth struct {
		Username     string
		PasswordHash string
		JWTSecret    string
		TokenTTL     time.Duration
	}
	Log struct {
		Level       string
		MemoryLines int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("QBO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/qbit-optimizer")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Trackers.Fallback = cleanList(cfg.Trackers.Fallback)
	cfg.Trackers.Extra = cleanList(cfg.Trackers.Extra)
	cfg.Server.CORSOrigins = cleanList(cfg.Server.CORSOrigins)
	cfg.QBittorrent.Categories = cleanList(cfg.QBittorrent.Categories)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:3000")
	v.SetDefault("server.corsorigins", []string{})
	v.SetDefault("database.path", "data/optimizer.db")

	v.SetDefault("qbittorrent.url", "http://127.0.0.1:8080")
	v.SetDefault("qbittorrent.username", "")
	v.SetDefault("qbittorrent.password", "")
	v.SetDefault("qbittorrent.timeout", 30*time.Second)
	v.SetDefault("qbittorrent.ratelimit", 20.0)
	v.SetDefault("qbittorrent.burst", 10)
	v.SetDefault("qbittorrent.categories", []string{})

	v.SetDefault("lock.gatepath", "/tmp/rsync_media.lock")
	v.SetDefault("lock.selfpath", "/tmp/qbit_node_optimizer.lock")

	v.SetDefault("scheduler.cron", "*/5 * * * *")
	v.SetDefault("scheduler.runonstart", true)
	v.SetDefault("scheduler.auditconcurrency", 4)
	v.SetDefault("scheduler.rechecksettle", 5*time.Second)

	v.SetDefault("policy.stallthreshold", 300*time.Second)
	v.SetDefault("policy.dltimeoverride", 14400*time.Second)
	v.SetDefault("policy.slowspeed", 524288)
	v.SetDefault("policy.slowrunslimit", 2)
	v.SetDefault("policy.highpriorityspeed", 102400)
	v.SetDefault("policy.highprioritypercent", 95.0)
	v.SetDefault("policy.smallmaxsize", 524288000)
	v.SetDefault("policy.nearcompleteratio", 0.90)
	v.SetDefault("policy.highseedthreshold", 50)
	v.SetDefault("policy.smarttopscore", 5.0)
	v.SetDefault("policy.smartbottomscore", 0.0)
	v.SetDefault("policy.recheckstarthour", 0)
	v.SetDefault("policy.recheckendhour", 5)
	v.SetDefault("policy.offpeakstarthour", 1)
	v.SetDefault("policy.offpeakendhour", 7)

	v.SetDefault("admission.minactive", 10)
	v.SetDefault("admission.maxrecoveryattempts", 2)
	v.SetDefault("admission.autounpausehours", 4)
	v.SetDefault("admission.boostthreshold", 1024)
	v.SetDefault("admission.maxforced", 20)
	v.SetDefault("admission.maxforcedgroup", 5)
	v.SetDefault("admission.boostoffpeakonly", false)
	v.SetDefault("admission.resetrecoveryonprogress", false)

	v.SetDefault("trackers.fallback", []string{})
	v.SetDefault("trackers.extra", []string{})
	v.SetDefault("trackers.unregisteredtag", "unregistered")

	v.SetDefault("pulse.enabled", false)
	v.SetDefault("pulse.cron", "0 2 * * *")
	v.SetDefault("pulse.duration", 15*time.Minute)
	v.SetDefault("pulse.batchsize", 50)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.cron", "30 3 * * *")
	v.SetDefault("archive.retentiondays", 30)
	v.SetDefault("archive.remotekeepdays", 0)
	v.SetDefault("archive.batchsize", 5000)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.keyprefix", "qbit-optimizer/history")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")

	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.passwordhash", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttl", 12*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.memorylines", 200)
}

// Validate checks value ranges that would otherwise surface as confusing
// runtime behaviour.
func (c Config) Validate() error {
	var result *multierror.Error
	gron := gronx.New()

	for name, hour := range map[string]int{
		"policy.recheckStartHour": c.Policy.RecheckStartHour,
		"policy.recheckEndHour":   c.Policy.RecheckEndHour,
		"policy.offPeakStartHour": c.Policy.OffPeakStartHour,
		"policy.offPeakEndHour":   c.Policy.OffPeakEndHour,
	} {
		if hour < 0 || hour > 23 {
			result = multierror.Append(result, fmt.Errorf("%s must be within 0-23, got %d", name, hour))
		}
	}

	crons := map[string]string{"scheduler.cron": c.Scheduler.Cron}
	if c.Pulse.Enabled {
		crons["pulse.cron"] = c.Pulse.Cron
	}
	if c.Archive.Enabled {
		crons["archive.cron"] = c.Archive.Cron
	}
	for name, expr := range crons {
		if !gron.IsValid(expr) {
			result = multierror.Append(result, fmt.Errorf("%s is not a valid cron expression: %q", name, expr))
		}
	}

	if err := validateURL("qbittorrent.url", c.QBittorrent.URL, "http", "https"); err != nil {
		result = multierror.Append(result, err)
	}
	for _, u := range append(append([]string{}, c.Trackers.Fallback...), c.Trackers.Extra...) {
		if err := validateURL("trackers", u, "http", "https", "udp", "wss"); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if c.Admission.MinActive < 0 {
		result = multierror.Append(result, fmt.Errorf("admission.minActive must not be negative"))
	}
	if c.Admission.MaxForced < 0 || c.Admission.MaxForcedGroup < 0 {
		result = multierror.Append(result, fmt.Errorf("admission forced limits must not be negative"))
	}
	if c.Policy.SlowRunsLimit < 1 {
		result = multierror.Append(result, fmt.Errorf("policy.slowRunsLimit must be at least 1"))
	}
	if c.Pulse.Enabled && c.Pulse.BatchSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("pulse.batchSize must be positive"))
	}
	if c.Archive.Enabled {
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			result = multierror.Append(result, fmt.Errorf("archive.bucket is required when archiving is enabled"))
		}
		if c.Archive.RetentionDays <= 0 {
			result = multierror.Append(result, fmt.Errorf("archive.retentionDays must be positive"))
		}
	}

	return result.ErrorOrNil()
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: parse %q: %w", name, raw, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: %q must be an absolute %s URL", name, raw, strings.Join(schemes, "/"))
}

// secondsToDurationHook decodes durations from Go duration strings or from
// bare numbers, which count as seconds.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			raw := strings.TrimSpace(data.(string))
			if secs, err := strconv.ParseFloat(raw, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("parse duration %q: %w", raw, err)
			}
			return d, nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		}
		return data, nil
	}
}

// cleanList trims entries and drops empties. Env values arrive as a single
// comma separated string.
func cleanList(in []string) []string {
	var out []string
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
