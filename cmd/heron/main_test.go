package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rulestore"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		v := viper.New()
		bindEnv(v)

		cfg := loadConfig(v)
		def := domain.DefaultConfig()
		assert.Equal(t, def.Server, cfg.Server)
		assert.Equal(t, def.Rules, cfg.Rules)
		assert.Equal(t, def.Triage, cfg.Triage)
		assert.Equal(t, def.Cache, cfg.Cache)
		assert.Equal(t, "sqlite", cfg.Repository.Driver)
		assert.True(t, cfg.Triage.DryRun)
	})

	t.Run("Environment", func(t *testing.T) {
		t.Setenv("HERON_SERVER_PORT", "9090")
		t.Setenv("HERON_TRIAGE_DRYRUN", "false")
		t.Setenv("HERON_TRIAGE_POLLINTERVAL", "2m")
		t.Setenv("HERON_SOURCE_IMAP_ADDR", "imap.example.com:993")

		v := viper.New()
		bindEnv(v)

		cfg := loadConfig(v)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.False(t, cfg.Triage.DryRun)
		assert.Equal(t, 2*time.Minute, cfg.Triage.PollInterval)
		assert.Equal(t, "imap.example.com:993", cfg.Source.IMAP.Addr)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
rules:
  dir: /srv/heron/rules
  watch: true
triage:
  mailbox: ops@example.com
source:
  type: dir
  dir: /srv/mail
`), 0o644))

		v := viper.New()
		v.SetConfigFile(path)
		bindEnv(v)
		require.NoError(t, v.ReadInConfig())

		cfg := loadConfig(v)
		assert.Equal(t, "/srv/heron/rules", cfg.Rules.Dir)
		assert.True(t, cfg.Rules.Watch)
		assert.Equal(t, "ops@example.com", cfg.Triage.Mailbox)
		assert.Equal(t, "dir", cfg.Source.Type)
		assert.Equal(t, 60*time.Second, cfg.Triage.PollInterval)
	})
}

func TestOpenSource(t *testing.T) {
	src, err := openSource(domain.SourceConfig{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, src)

	_, err = openSource(domain.SourceConfig{Type: "dir"})
	assert.Error(t, err)

	_, err = openSource(domain.SourceConfig{Type: "pop3"})
	assert.Error(t, err)

	src, err = openSource(domain.SourceConfig{Type: "dir", Dir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.NotNil(t, src.labeler)
	assert.NoError(t, src.Close())
}

func TestScoreInputs(t *testing.T) {
	t.Run("Flags", func(t *testing.T) {
		msgs, err := scoreInputs(nil, nil, scoreOptions{subject: "Invoice", attachments: []string{"a.pdf"}})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "Invoice", msgs[0].Subject)
		assert.Equal(t, []string{"a.pdf"}, msgs[0].AttachmentNames)
	})

	t.Run("Stdin", func(t *testing.T) {
		raw := "Subject: Weekly digest\r\nFrom: news@list.example\r\n\r\nunsubscribe\r\n"
		msgs, err := scoreInputs(strings.NewReader(raw), []string{"-"}, scoreOptions{})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "Weekly digest", msgs[0].Subject)
		assert.Equal(t, "-", msgs[0].ID)
	})

	t.Run("Nothing", func(t *testing.T) {
		_, err := scoreInputs(nil, nil, scoreOptions{})
		assert.Error(t, err)
	})
}

func writeRule(t *testing.T, dir string) {
	t.Helper()
	store, err := rulestore.NewStore(dir)
	require.NoError(t, err)

	rule := domain.NewCategoryRule("Invoices", "Finance")
	rule.StrongSignals = []domain.Signal{{
		Pattern:     "invoice",
		Weight:      60,
		Location:    domain.LocationAnywhere,
		PatternType: domain.PatternSubstring,
		Tier:        domain.TierStrong,
		Enabled:     true,
	}}
	_, err = store.Save(rule, filepath.Join(dir, rulestore.FileName(rule.CategoryName)))
	require.NoError(t, err)
}

func TestPrintScores(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir)

	cfg := domain.DefaultConfig()
	cfg.Rules.Dir = dir
	engine, _, err := loadRules(cfg)
	require.NoError(t, err)

	msgs := []*domain.EmailMessage{
		{ID: "1", Subject: "Invoice 4411"},
		{ID: "2", Subject: "Lunch?"},
	}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)

	require.NoError(t, printScores(cmd, engine, msgs, scoreOptions{}))
	assert.Contains(t, out.String(), "Decision: APPLY")
	assert.Contains(t, out.String(), "No category applies")

	out.Reset()
	require.NoError(t, printScores(cmd, engine, msgs, scoreOptions{all: true, asJSON: true}))
	assert.Contains(t, out.String(), `"categoryName": "Invoices"`)
	assert.Contains(t, out.String(), `"shouldApply": false`)
}
