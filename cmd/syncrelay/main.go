// Command syncrelay runs one replication cycle: it copies every new
// message waiting in the configured source mailboxes into the shared
// destination mailbox and exits. Scheduling repeated invocations (cron,
// a systemd timer, a container restart policy) is left to the operator;
// this process never loops or holds an IMAP IDLE connection open.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/ajmccauley/syncrelay/internal/config"
	"github.com/ajmccauley/syncrelay/internal/cycle"
	"github.com/ajmccauley/syncrelay/internal/logging"
	"github.com/ajmccauley/syncrelay/internal/oauth2"
	"github.com/ajmccauley/syncrelay/internal/route"
	"github.com/ajmccauley/syncrelay/internal/statestore"
	"github.com/ajmccauley/syncrelay/internal/statestore/dynamostore"
	"github.com/ajmccauley/syncrelay/internal/statestore/sqlitestore"
	"github.com/ajmccauley/syncrelay/internal/syncerr"
)

// Exit codes, per the external-interface contract: 0 success, 2
// configuration error, 3 state-store unavailable / fatal cycle error.
const (
	exitOK          = 0
	exitConfigError = 2
	exitStoreFatal  = 3
)

func main() {
	var dryRun bool
	var prettyLogs bool

	rootCmd := &cobra.Command{
		Use:   "syncrelay",
		Short: "One-way mail replicator: copy new source mailbox messages into a shared destination mailbox",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), dryRun, prettyLogs)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be copied without mutating the state store or destination mailbox")
	runCmd.Flags().BoolVar(&prettyLogs, "pretty", false, "emit human-readable console logs instead of newline-delimited JSON")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStoreFatal)
	}
}

// exitCodeError carries the process exit code a failure should produce,
// distinguishing a config error (2) from a store-fatal one (3).
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }

func runOnce(ctx context.Context, dryRunFlag, prettyLogs bool) error {
	cfg, err := config.LoadFromEnviron()
	if err != nil {
		return &exitCodeError{code: exitConfigError, err: fmt.Errorf("load configuration: %w", err)}
	}
	if dryRunFlag {
		cfg.DryRun = true
	}

	logging.Init(cfg.LogLevel, prettyLogs)
	log := logging.WithComponent("syncrelay")

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return &exitCodeError{code: exitConfigError, err: fmt.Errorf("open state store: %w", err)}
	}
	defer closeStore()

	oauthMgr := oauth2.NewManager(time.Duration(cfg.IMAPTimeoutSeconds) * time.Second)
	driver := cycle.NewDriver(store, oauthMgr, log)

	driverCfg := cycle.Config{
		DestinationHost:  cfg.DestinationIMAPHost,
		DestinationPort:  cfg.DestinationIMAPPort,
		DestinationEmail: cfg.DestinationEmail,
		DestinationCreds: oauth2.Credentials{
			Provider:     oauth2.ProviderOutlook,
			Tenant:       cfg.DestinationTenant,
			ClientID:     cfg.DestinationClientID,
			ClientSecret: cfg.DestinationClientSecret,
			RefreshToken: cfg.DestinationRefreshToken,
		},
		ConnectTimeout:   time.Duration(cfg.IMAPTimeoutSeconds) * time.Second,
		ReadTimeout:      time.Duration(cfg.IMAPTimeoutSeconds) * time.Second,
		WriteTimeout:     time.Duration(cfg.IMAPTimeoutSeconds) * time.Second,
		RetryMaxAttempts: cfg.IMAPMaxRetries,
		RetryBaseDelay:   time.Duration(cfg.IMAPRetryBaseSeconds * float64(time.Second)),
	}

	routes := make([]route.Config, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routeID := r.RouteID(cfg.DestinationEmail)
		routes = append(routes, route.Config{
			RouteID:             routeID,
			PartitionKey:        statestore.RoutePK(r.SourceEmail, cfg.DestinationEmail, r.DestinationFolder),
			SourceHost:          cfg.SourceIMAPHost,
			SourcePort:          cfg.SourceIMAPPort,
			SourceEmail:         r.SourceEmail,
			DestinationFolder:   r.DestinationFolder,
			CreateFolderMissing: r.CreateFolderMissing,
			OAuthCreds: oauth2.Credentials{
				Provider:     oauth2.ProviderGmail,
				ClientID:     r.SourceClientID,
				ClientSecret: r.SourceClientSecret,
				RefreshToken: r.SourceRefreshToken,
			},
			ConnectTimeout:   time.Duration(cfg.IMAPTimeoutSeconds) * time.Second,
			ReadTimeout:      time.Duration(cfg.IMAPTimeoutSeconds) * time.Second,
			WriteTimeout:     time.Duration(cfg.IMAPTimeoutSeconds) * time.Second,
			ResyncWindow:     time.Duration(cfg.UIDValidityResyncHours) * time.Hour,
			UIDTTLDays:       cfg.UIDRecordTTLDays,
			FailTTLDays:      cfg.FailRecordTTLDays,
			RetryMaxAttempts: cfg.IMAPMaxRetries,
			RetryBaseDelay:   time.Duration(cfg.IMAPRetryBaseSeconds * float64(time.Second)),
		})
	}

	result, err := driver.RunCycle(ctx, driverCfg, routes, cfg.DryRun)
	if err != nil {
		if errors.Is(err, syncerr.ErrStoreUnavailable) {
			return &exitCodeError{code: exitStoreFatal, err: fmt.Errorf("state store unavailable: %w", err)}
		}
		return &exitCodeError{code: exitStoreFatal, err: err}
	}

	out, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return &exitCodeError{code: exitStoreFatal, err: fmt.Errorf("marshal cycle result: %w", marshalErr)}
	}
	fmt.Println(string(out))
	return nil
}

// openStore builds the configured statestore.Store backend and returns a
// cleanup function. The sqlite backend owns a file handle that must be
// closed; the DynamoDB backend has nothing to release beyond the HTTP
// client aws-sdk-go-v2 manages internally.
func openStore(ctx context.Context, cfg config.AppConfig) (statestore.Store, func(), error) {
	switch cfg.StateBackend {
	case config.BackendSQLite:
		st, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		return dynamostore.New(client, cfg.DynamoDBTable), func() {}, nil
	}
}
