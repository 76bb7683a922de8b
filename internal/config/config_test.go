package config

import "testing"

func baseEnv() map[string]string {
	return map[string]string{
		"AWS_REGION":                "us-east-1",
		"DYNAMODB_TABLE":            "syncrelay-state",
		"DESTINATION_EMAIL":         "dest@example.com",
		"DESTINATION_CLIENT_ID":     "ms-client-id",
		"DESTINATION_REFRESH_TOKEN": "ms-refresh",
		"SOURCE_EMAIL":              "src@example.com",
		"DESTINATION_FOLDER":        "Archive",
		"SOURCE_CLIENT_ID":          "gmail-client-id",
		"SOURCE_CLIENT_SECRET":      "gmail-secret",
		"SOURCE_REFRESH_TOKEN":      "gmail-refresh",
	}
}

func TestLoadSingleRouteMode(t *testing.T) {
	cfg, err := Load(baseEnv())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RouteCount() != 1 {
		t.Fatalf("expected 1 route, got %d", cfg.RouteCount())
	}
	if cfg.Routes[0].SourceEmail != "src@example.com" {
		t.Fatalf("unexpected source email %q", cfg.Routes[0].SourceEmail)
	}
	if cfg.SyncIntervalSeconds != 300 {
		t.Fatalf("expected default sync interval 300, got %d", cfg.SyncIntervalSeconds)
	}
	if cfg.StateBackend != BackendDynamoDB {
		t.Fatalf("expected default backend dynamodb, got %q", cfg.StateBackend)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	e := baseEnv()
	delete(e, "DESTINATION_EMAIL")
	if _, err := Load(e); err == nil {
		t.Fatal("expected error for missing DESTINATION_EMAIL")
	}
}

func TestLoadRoutesJSON(t *testing.T) {
	e := baseEnv()
	delete(e, "SOURCE_EMAIL")
	delete(e, "DESTINATION_FOLDER")
	delete(e, "SOURCE_CLIENT_ID")
	delete(e, "SOURCE_CLIENT_SECRET")
	delete(e, "SOURCE_REFRESH_TOKEN")
	e["ROUTES_JSON"] = `[
		{"source_email":"a@x.com","destination_folder":"Archive","source_client_id":"id1","source_client_secret":"secret1","source_refresh_token":"tok1"},
		{"source_email":"b@x.com","destination_folder":"Backup","source_client_id":"id2","source_client_secret":"secret2","source_refresh_token":"tok2","create_folder_if_missing":true}
	]`
	cfg, err := Load(e)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RouteCount() != 2 {
		t.Fatalf("expected 2 routes, got %d", cfg.RouteCount())
	}
	if !cfg.Routes[1].CreateFolderMissing {
		t.Fatal("expected second route to request folder creation")
	}
}

func TestLoadRejectsMismatchedDestinationMailbox(t *testing.T) {
	e := baseEnv()
	e["ROUTES_JSON"] = `[
		{"source_email":"a@x.com","destination_email":"other@x.com","destination_folder":"Archive","source_client_id":"id1","source_client_secret":"secret1","source_refresh_token":"tok1"}
	]`
	if _, err := Load(e); err == nil {
		t.Fatal("expected error when a route targets a different destination mailbox")
	}
}

func TestLoadInvalidSyncInterval(t *testing.T) {
	e := baseEnv()
	e["SYNC_INTERVAL_SECONDS"] = "0"
	if _, err := Load(e); err == nil {
		t.Fatal("expected error for zero sync interval")
	}
}

func TestLoadInvalidStateBackend(t *testing.T) {
	e := baseEnv()
	e["STATE_BACKEND"] = "oracle"
	if _, err := Load(e); err == nil {
		t.Fatal("expected error for unsupported state backend")
	}
}

func TestLoadSQLiteBackendSkipsAWSRequirements(t *testing.T) {
	e := baseEnv()
	delete(e, "AWS_REGION")
	delete(e, "DYNAMODB_TABLE")
	e["STATE_BACKEND"] = "sqlite"
	cfg, err := Load(e)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SQLitePath == "" {
		t.Fatal("expected a default sqlite path")
	}
}

func TestResolveEnvironmentParsesKeyValuePairs(t *testing.T) {
	resolved := ResolveEnvironment([]string{"FOO=bar", "BAZ=qux=extra", "malformed"})
	if resolved["FOO"] != "bar" {
		t.Fatalf("unexpected FOO value %q", resolved["FOO"])
	}
	if resolved["BAZ"] != "qux=extra" {
		t.Fatalf("unexpected BAZ value %q", resolved["BAZ"])
	}
}
