// Package substrate turns deployment settings into an env.Env. It is the
// only place that knows which backend serves each handle.
package substrate

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverBadger   = "badger"
	DriverMemory   = "memory"
	DriverAMQP     = "amqp"
	DriverS3       = "s3"
	DriverFile     = "file"
)

// Settings are shared by every service config and embedded inline.
type Settings struct {
	Environment           string `yaml:"environment"`
	FrontendURL           string `yaml:"frontendURL"`
	DatabaseDriver        string `yaml:"databaseDriver"`
	DatabaseURL           string `yaml:"databaseURL"`
	SlowQueryThreshold    string `yaml:"slowQueryThreshold"`
	RedisURL              string `yaml:"redisURL"`
	KeyPrefix             string `yaml:"keyPrefix"`
	KVDriver              string `yaml:"kvDriver"`
	BadgerDir             string `yaml:"badgerDir"`
	QueueDriver           string `yaml:"queueDriver"`
	AMQPURL               string `yaml:"amqpURL"`
	BucketDriver          string `yaml:"bucketDriver"`
	BucketDir             string `yaml:"bucketDir"`
	BucketEndpoint        string `yaml:"bucketEndpoint"`
	BucketRegion          string `yaml:"bucketRegion"`
	BucketAccessKeyID     string `yaml:"bucketAccessKeyId"`
	BucketSecretAccessKey string `yaml:"bucketSecretAccessKey"`
	BucketUseSSL          bool   `yaml:"bucketUseSSL"`
	BucketCreate          bool   `yaml:"bucketCreate"`
	BucketRaw             string `yaml:"bucketRaw"`
	BucketProcessed       string `yaml:"bucketProcessed"`
	BucketMarketing       string `yaml:"bucketMarketing"`
	BucketBackups         string `yaml:"bucketBackups"`
	SessionSecret         string `yaml:"sessionSecret"`
	JWTSecret             string `yaml:"jwtSecret"`

	// QueueClaimIdle is how long a consumer may hold a Redis stream entry
	// before another consumer reclaims it. Consumers set it from their
	// processing budget.
	QueueClaimIdle time.Duration `yaml:"-"`
}

// ApplyEnv overrides file values with the process environment.
func (s *Settings) ApplyEnv() {
	s.ApplyLookup(os.LookupEnv)
}

// ApplyLookup overrides values from lookup; tests pass a map-backed func.
func (s *Settings) ApplyLookup(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ENVIRONMENT", &s.Environment)
	str("FRONTEND_URL", &s.FrontendURL)
	str("DATABASE_DRIVER", &s.DatabaseDriver)
	str("DATABASE_URL", &s.DatabaseURL)
	str("SLOW_QUERY_THRESHOLD", &s.SlowQueryThreshold)
	str("REDIS_URL", &s.RedisURL)
	str("KEY_PREFIX", &s.KeyPrefix)
	str("KV_DRIVER", &s.KVDriver)
	str("BADGER_DIR", &s.BadgerDir)
	str("QUEUE_DRIVER", &s.QueueDriver)
	str("AMQP_URL", &s.AMQPURL)
	str("BUCKET_DRIVER", &s.BucketDriver)
	str("BUCKET_DIR", &s.BucketDir)
	str("BUCKET_ENDPOINT", &s.BucketEndpoint)
	str("BUCKET_REGION", &s.BucketRegion)
	str("BUCKET_ACCESS_KEY_ID", &s.BucketAccessKeyID)
	str("BUCKET_SECRET_ACCESS_KEY", &s.BucketSecretAccessKey)
	str("BUCKET_RAW", &s.BucketRaw)
	str("BUCKET_PROCESSED", &s.BucketProcessed)
	str("BUCKET_MARKETING", &s.BucketMarketing)
	str("BUCKET_BACKUPS", &s.BucketBackups)
	str("SESSION_SECRET", &s.SessionSecret)
	str("JWT_SECRET", &s.JWTSecret)
	if v, ok := lookup("BUCKET_USE_SSL"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			s.BucketUseSSL = b
		}
	}
	if v, ok := lookup("BUCKET_CREATE"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			s.BucketCreate = b
		}
	}
}

// Normalize lower-cases driver names and fills defaults.
func (s *Settings) Normalize() {
	norm := func(v, def string) string {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return def
		}
		return v
	}
	s.DatabaseDriver = norm(s.DatabaseDriver, DriverPostgres)
	s.KVDriver = norm(s.KVDriver, DriverRedis)
	s.QueueDriver = norm(s.QueueDriver, DriverRedis)
	s.BucketDriver = norm(s.BucketDriver, DriverS3)
	if strings.TrimSpace(s.KeyPrefix) == "" {
		s.KeyPrefix = "manuscripthub"
	}
}

// Production reports whether the deployment is production.
func (s Settings) Production() bool {
	return strings.EqualFold(strings.TrimSpace(s.Environment), "production")
}

// SlowQuery parses the slow-query threshold, zero when unset.
func (s Settings) SlowQuery() (time.Duration, error) {
	if strings.TrimSpace(s.SlowQueryThreshold) == "" {
		return 0, nil
	}
	return time.ParseDuration(s.SlowQueryThreshold)
}

// Missing names every required environment variable that has no value
// for the selected drivers.
func (s Settings) Missing() []string {
	var missing []string
	need := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	need("DATABASE_URL", s.DatabaseURL)
	need("SESSION_SECRET", s.SessionSecret)
	need("JWT_SECRET", s.JWTSecret)
	need("ENVIRONMENT", s.Environment)
	need("FRONTEND_URL", s.FrontendURL)
	if s.KVDriver == DriverRedis || s.QueueDriver == DriverRedis {
		need("REDIS_URL", s.RedisURL)
	}
	if s.QueueDriver == DriverAMQP {
		need("AMQP_URL", s.AMQPURL)
	}
	switch s.BucketDriver {
	case DriverS3:
		need("BUCKET_ENDPOINT", s.BucketEndpoint)
		need("BUCKET_REGION", s.BucketRegion)
		need("BUCKET_ACCESS_KEY_ID", s.BucketAccessKeyID)
		need("BUCKET_SECRET_ACCESS_KEY", s.BucketSecretAccessKey)
		need("BUCKET_RAW", s.BucketRaw)
		need("BUCKET_PROCESSED", s.BucketProcessed)
		need("BUCKET_MARKETING", s.BucketMarketing)
		need("BUCKET_BACKUPS", s.BucketBackups)
	case DriverFile:
		need("BUCKET_DIR", s.BucketDir)
	}
	return missing
}

// Validate rejects unknown drivers and reports every missing variable at once.
func (s Settings) Validate() error {
	var errs []error
	check := func(kind, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, errors.New("unsupported "+kind+" driver "+strconv.Quote(value)))
	}
	check("database", s.DatabaseDriver, DriverPostgres, DriverSQLite)
	check("kv", s.KVDriver, DriverRedis, DriverBadger, DriverMemory)
	check("queue", s.QueueDriver, DriverRedis, DriverAMQP, DriverMemory)
	check("bucket", s.BucketDriver, DriverS3, DriverFile, DriverMemory)
	if missing := s.Missing(); len(missing) > 0 {
		errs = append(errs, errors.New("missing required environment: "+strings.Join(missing, ", ")))
	}
	if len(s.SessionSecret) > 0 && len(s.SessionSecret) < 16 {
		errs = append(errs, errors.New("SESSION_SECRET must be at least 16 characters"))
	}
	if _, err := s.SlowQuery(); err != nil {
		errs = append(errs, errors.New("invalid SLOW_QUERY_THRESHOLD: "+err.Error()))
	}
	return errors.Join(errs...)
}
