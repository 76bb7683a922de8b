// Package config loads and validates runtime configuration from the
// process environment: one shared destination mailbox, one or more source
// routes, and the tunables governing retry, resync, and record lifetime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ajmccauley/syncrelay/internal/logging"
	"github.com/ajmccauley/syncrelay/internal/syncerr"
)

// StateBackend selects which statestore.Store implementation the built
// route runner talks to.
type StateBackend string

const (
	BackendDynamoDB StateBackend = "dynamodb"
	BackendSQLite   StateBackend = "sqlite"
)

// RouteConfig is one source account's worth of credentials and the
// destination folder it replicates into.
type RouteConfig struct {
	SourceEmail         string
	SourceClientID      string
	SourceClientSecret  string
	SourceRefreshToken  string
	DestinationFolder   string
	CreateFolderMissing bool
}

// RouteID is the stable, human-readable identity used in logs and as the
// basis for the state store partition key.
func (r RouteConfig) RouteID(destinationMailbox string) string {
	return fmt.Sprintf("source=%s|destination=%s|folder=%s", r.SourceEmail, destinationMailbox, r.DestinationFolder)
}

// AppConfig is the fully validated, ready-to-run configuration for one
// process lifetime.
type AppConfig struct {
	AWSRegion     string
	DynamoDBTable string
	StateBackend  StateBackend
	SQLitePath    string

	DestinationEmail        string
	DestinationClientID     string
	DestinationClientSecret string
	DestinationTenant       string
	DestinationRefreshToken string

	SyncIntervalSeconds    int
	UIDValidityResyncHours int
	UIDRecordTTLDays       int
	FailRecordTTLDays      int
	IMAPTimeoutSeconds     int
	IMAPMaxRetries         int
	IMAPRetryBaseSeconds   float64

	SourceIMAPHost      string
	SourceIMAPPort      int
	DestinationIMAPHost string
	DestinationIMAPPort int

	LogLevel string
	DryRun   bool

	Routes []RouteConfig
}

// RouteCount is a convenience accessor mirroring the way callers log route
// fan-out.
func (c AppConfig) RouteCount() int {
	return len(c.Routes)
}

func env(e map[string]string, name, def string) string {
	v, ok := e[name]
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

func required(e map[string]string, name string) (string, error) {
	v := env(e, name, "")
	if v == "" {
		return "", fmt.Errorf("%w: missing required environment variable %s", syncerr.ErrConfig, name)
	}
	return v, nil
}

func parseBool(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parsePositiveInt(e map[string]string, name, def string) (int, error) {
	raw := env(e, name, def)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", syncerr.ErrConfig, name)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be greater than zero", syncerr.ErrConfig, name)
	}
	return n, nil
}

func parsePositiveFloat(e map[string]string, name, def string) (float64, error) {
	raw := env(e, name, def)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", syncerr.ErrConfig, name)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%w: %s must be greater than zero", syncerr.ErrConfig, name)
	}
	return f, nil
}

type routeObject struct {
	// DestinationEmail is optional and exists only so a mismatch against the
	// shared destination mailbox can be rejected instead of silently ignored.
	DestinationEmail    string `json:"destination_email"`
	SourceEmail         string `json:"source_email"`
	DestinationFolder   string `json:"destination_folder"`
	SourceClientID      string `json:"source_client_id"`
	SourceClientSecret  string `json:"source_client_secret"`
	SourceRefreshToken  string `json:"source_refresh_token"`
	CreateFolderMissing *bool  `json:"create_folder_if_missing"`
}

func loadRouteObjects(e map[string]string) ([]routeObject, error) {
	if raw := env(e, "ROUTES_JSON", ""); raw != "" {
		var objs []routeObject
		if err := json.Unmarshal([]byte(raw), &objs); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON in ROUTES_JSON: %v", syncerr.ErrConfig, err)
		}
		return objs, nil
	}

	// Single-route mode: one route's worth of variables directly in env.
	sourceEmail, err := required(e, "SOURCE_EMAIL")
	if err != nil {
		return nil, err
	}
	destFolder, err := required(e, "DESTINATION_FOLDER")
	if err != nil {
		return nil, err
	}
	clientID, err := required(e, "SOURCE_CLIENT_ID")
	if err != nil {
		return nil, err
	}
	clientSecret, err := required(e, "SOURCE_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}
	refreshToken, err := required(e, "SOURCE_REFRESH_TOKEN")
	if err != nil {
		return nil, err
	}
	return []routeObject{{
		SourceEmail:        sourceEmail,
		DestinationFolder:  destFolder,
		SourceClientID:     clientID,
		SourceClientSecret: clientSecret,
		SourceRefreshToken: refreshToken,
	}}, nil
}

func routeFromObject(obj routeObject, e map[string]string) (RouteConfig, error) {
	sourceEmail := obj.SourceEmail
	if sourceEmail == "" {
		v, err := required(e, "SOURCE_EMAIL")
		if err != nil {
			return RouteConfig{}, err
		}
		sourceEmail = v
	}
	destFolder := obj.DestinationFolder
	if destFolder == "" {
		v, err := required(e, "DESTINATION_FOLDER")
		if err != nil {
			return RouteConfig{}, err
		}
		destFolder = v
	}
	clientID := obj.SourceClientID
	if clientID == "" {
		v, err := required(e, "SOURCE_CLIENT_ID")
		if err != nil {
			return RouteConfig{}, err
		}
		clientID = v
	}
	clientSecret := obj.SourceClientSecret
	if clientSecret == "" {
		v, err := required(e, "SOURCE_CLIENT_SECRET")
		if err != nil {
			return RouteConfig{}, err
		}
		clientSecret = v
	}
	refreshToken := obj.SourceRefreshToken
	if refreshToken == "" {
		v, err := required(e, "SOURCE_REFRESH_TOKEN")
		if err != nil {
			return RouteConfig{}, err
		}
		refreshToken = v
	}
	createIfMissing := false
	if obj.CreateFolderMissing != nil {
		createIfMissing = *obj.CreateFolderMissing
	}
	return RouteConfig{
		SourceEmail:         sourceEmail,
		SourceClientID:      clientID,
		SourceClientSecret:  clientSecret,
		SourceRefreshToken:  refreshToken,
		DestinationFolder:   destFolder,
		CreateFolderMissing: createIfMissing,
	}, nil
}

// Load validates and builds an AppConfig from the given environment map.
func Load(e map[string]string) (AppConfig, error) {
	destinationEmail, err := required(e, "DESTINATION_EMAIL")
	if err != nil {
		return AppConfig{}, err
	}

	routeObjects, err := loadRouteObjects(e)
	if err != nil {
		return AppConfig{}, err
	}
	if len(routeObjects) == 0 {
		return AppConfig{}, fmt.Errorf("%w: at least one route must be provided", syncerr.ErrConfig)
	}

	routes := make([]RouteConfig, 0, len(routeObjects))
	for _, obj := range routeObjects {
		if obj.DestinationEmail != "" && obj.DestinationEmail != destinationEmail {
			return AppConfig{}, fmt.Errorf("%w: all routes must target one shared destination mailbox; expected %s, found %s", syncerr.ErrConfig, destinationEmail, obj.DestinationEmail)
		}
		r, err := routeFromObject(obj, e)
		if err != nil {
			return AppConfig{}, err
		}
		routes = append(routes, r)
	}

	syncIntervalSeconds, err := parsePositiveInt(e, "SYNC_INTERVAL_SECONDS", "300")
	if err != nil {
		return AppConfig{}, err
	}
	uidValidityResyncHours, err := parsePositiveInt(e, "UIDVALIDITY_RESYNC_HOURS", "24")
	if err != nil {
		return AppConfig{}, err
	}
	uidRecordTTLDays, err := parsePositiveInt(e, "UID_RECORD_TTL_DAYS", "365")
	if err != nil {
		return AppConfig{}, err
	}
	failRecordTTLDays, err := parsePositiveInt(e, "FAIL_RECORD_TTL_DAYS", "14")
	if err != nil {
		return AppConfig{}, err
	}
	imapTimeoutSeconds, err := parsePositiveInt(e, "IMAP_TIMEOUT_SECONDS", "30")
	if err != nil {
		return AppConfig{}, err
	}
	imapMaxRetries, err := parsePositiveInt(e, "IMAP_MAX_RETRIES", "3")
	if err != nil {
		return AppConfig{}, err
	}
	imapRetryBaseSeconds, err := parsePositiveFloat(e, "IMAP_RETRY_BASE_SECONDS", "1.0")
	if err != nil {
		return AppConfig{}, err
	}

	sourceIMAPPort, err := parsePositiveInt(e, "SOURCE_IMAP_PORT", "993")
	if err != nil {
		return AppConfig{}, err
	}
	destinationIMAPPort, err := parsePositiveInt(e, "DESTINATION_IMAP_PORT", "993")
	if err != nil {
		return AppConfig{}, err
	}

	backend := StateBackend(strings.ToLower(env(e, "STATE_BACKEND", string(BackendDynamoDB))))
	if backend != BackendDynamoDB && backend != BackendSQLite {
		return AppConfig{}, fmt.Errorf("%w: STATE_BACKEND must be %q or %q, got %q", syncerr.ErrConfig, BackendDynamoDB, BackendSQLite, backend)
	}

	cfg := AppConfig{
		StateBackend:  backend,
		AWSRegion:     env(e, "AWS_REGION", ""),
		DynamoDBTable: env(e, "DYNAMODB_TABLE", ""),
		SQLitePath:    env(e, "SQLITE_PATH", "syncrelay.db"),

		DestinationEmail:        destinationEmail,
		DestinationClientID:     env(e, "DESTINATION_CLIENT_ID", ""),
		DestinationClientSecret: env(e, "DESTINATION_CLIENT_SECRET", ""),
		DestinationTenant:       env(e, "DESTINATION_TENANT", "consumers"),
		DestinationRefreshToken: env(e, "DESTINATION_REFRESH_TOKEN", ""),

		SyncIntervalSeconds:    syncIntervalSeconds,
		UIDValidityResyncHours: uidValidityResyncHours,
		UIDRecordTTLDays:       uidRecordTTLDays,
		FailRecordTTLDays:      failRecordTTLDays,
		IMAPTimeoutSeconds:     imapTimeoutSeconds,
		IMAPMaxRetries:         imapMaxRetries,
		IMAPRetryBaseSeconds:   imapRetryBaseSeconds,

		SourceIMAPHost:      env(e, "SOURCE_IMAP_HOST", "imap.gmail.com"),
		SourceIMAPPort:      sourceIMAPPort,
		DestinationIMAPHost: env(e, "DESTINATION_IMAP_HOST", "outlook.office365.com"),
		DestinationIMAPPort: destinationIMAPPort,

		LogLevel: env(e, "LOG_LEVEL", "info"),
		DryRun:   parseBool(env(e, "DRY_RUN", ""), false),

		Routes: routes,
	}

	if backend == BackendDynamoDB {
		if cfg.AWSRegion == "" {
			return AppConfig{}, fmt.Errorf("%w: missing required environment variable AWS_REGION", syncerr.ErrConfig)
		}
		if cfg.DynamoDBTable == "" {
			return AppConfig{}, fmt.Errorf("%w: missing required environment variable DYNAMODB_TABLE", syncerr.ErrConfig)
		}
	}
	if cfg.DestinationClientID == "" {
		return AppConfig{}, fmt.Errorf("%w: missing required environment variable DESTINATION_CLIENT_ID", syncerr.ErrConfig)
	}
	if cfg.DestinationRefreshToken == "" {
		return AppConfig{}, fmt.Errorf("%w: missing required environment variable DESTINATION_REFRESH_TOKEN", syncerr.ErrConfig)
	}

	return cfg, nil
}

// LoadFromEnviron loads and validates configuration from the process
// environment.
func LoadFromEnviron() (AppConfig, error) {
	return Load(ResolveEnvironment(os.Environ()))
}

// ResolveEnvironment turns the os.Environ()-style "K=V" slice into a map,
// then applies the (currently no-op) secrets overlay seam: if
// AWS_SSM_PARAMETER_NAMES or AWS_SECRETS_MANAGER_SECRET_IDS name an
// external config store, this build logs that the overlay was requested
// but not fetched, and proceeds on plain process env vars alone. Explicit
// env vars always win over anything an overlay would have supplied.
func ResolveEnvironment(environ []string) map[string]string {
	base := make(map[string]string, len(environ))
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		base[parts[0]] = parts[1]
	}

	log := logging.WithComponent("config")
	if names := base["AWS_SSM_PARAMETER_NAMES"]; names != "" {
		log.Warn().Str("parameter_names", names).Msg("ssm_overlay_requested_but_unsupported")
	}
	if ids := base["AWS_SECRETS_MANAGER_SECRET_IDS"]; ids != "" {
		log.Warn().Str("secret_ids", ids).Msg("secrets_manager_overlay_requested_but_unsupported")
	}
	return base
}
