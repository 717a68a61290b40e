package cmd

import (
	"testing"

	"tether/internal/config"
	"tether/internal/oauth"
	"tether/internal/store"
)

func TestServeCommandStructure(t *testing.T) {
	if serveCmd.Use != "serve" {
		t.Errorf("Expected Use to be 'serve', got %s", serveCmd.Use)
	}
	if serveCmd.RunE == nil {
		t.Error("Expected RunE function to be set")
	}
	if serveCmd.Flags().Lookup("debug") == nil {
		t.Error("Expected --debug flag to be registered")
	}
	if serveCmd.Flags().Lookup("config-path") == nil {
		t.Error("Expected --config-path flag to be registered")
	}
}

func TestBuildManager(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.OAuth.ClientMetadataURL = "https://tether.example/client-metadata.json"

	st, err := store.New(store.Options{Type: store.TypeMemory})
	if err != nil {
		t.Fatalf("Expected no error creating store, got %v", err)
	}
	defer st.Close()

	provider := &staticSource{}
	manager := buildManager(cfg, provider, st)
	if manager == nil {
		t.Fatal("Expected a manager to be built")
	}
}

// staticSource is a minimal IntegrationSource for wiring tests.
type staticSource struct{}

func (s *staticSource) Integration(id string) (*oauth.Integration, error) {
	return &oauth.Integration{ID: id, ServerURL: "https://mcp.example"}, nil
}
