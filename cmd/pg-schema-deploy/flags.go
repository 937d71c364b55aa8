package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-logfmt/logfmt"
	"github.com/jackc/pgx/v4"
	"github.com/spf13/cobra"
	"github.com/stripe/pg-schema-deploy/internal/util"
	"github.com/stripe/pg-schema-deploy/pkg/log"
	"github.com/stripe/pg-schema-deploy/pkg/model"
	"github.com/stripe/pg-schema-deploy/pkg/modelfile"
	"github.com/stripe/pg-schema-deploy/pkg/versionhistory"
)

type connectionFlags struct {
	dsn         string
	dsnFlagName string
}

func createConnectionFlags(cmd *cobra.Command, additionalHelp string) *connectionFlags {
	var c connectionFlags

	c.dsnFlagName = "dsn"
	dsnFlagHelp := "Connection string for the database (DB password can be specified through PGPASSWORD environment variable)."
	if additionalHelp != "" {
		dsnFlagHelp += " " + additionalHelp
	}
	cmd.Flags().StringVar(&c.dsn, c.dsnFlagName, "", dsnFlagHelp)

	return &c
}

func parseConnectionFlags(flags *connectionFlags) (*pgx.ConnConfig, error) {
	connConfig, err := pgx.ParseConfig(flags.dsn)
	if err != nil {
		return nil, fmt.Errorf("could not parse connection string %q: %w", flags.dsn, err)
	}
	return connConfig, nil
}

type modelFlags struct {
	path            string
	maxRetryBackoff time.Duration
}

func createModelFlags(cmd *cobra.Command) *modelFlags {
	var f modelFlags
	cmd.Flags().StringVar(&f.path, "model", "", "Path to the model file describing the schema objects")
	cmd.Flags().DurationVar(&f.maxRetryBackoff, "max-lock-retry-backoff", 5*time.Second,
		"Upper bound of the random sleep before an object is re-applied after a deadlock or lock timeout")
	_ = cmd.MarkFlagRequired("model")
	return &f
}

func (f *modelFlags) load(logger log.Logger) (*model.PhysicalDataModel, error) {
	m, err := modelfile.LoadFile(f.path, model.WithLogger(logger), model.WithMaxLockRetryBackoff(f.maxRetryBackoff))
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", f.path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating model %s: %w", f.path, err)
	}
	return m, nil
}

type historyFlags struct {
	table string
}

func createHistoryFlags(cmd *cobra.Command) *historyFlags {
	var f historyFlags
	cmd.Flags().StringVar(&f.table, "history-table", "public.schema_version_history",
		"Schema-qualified table the applied versions are recorded in")
	return &f
}

func (f *historyFlags) parse() (versionhistory.SQLOpt, error) {
	schema, table, ok := strings.Cut(f.table, ".")
	if !ok || schema == "" || table == "" {
		return nil, fmt.Errorf("history table %q must be schema-qualified, e.g. public.schema_version_history", f.table)
	}
	return versionhistory.WithHistoryTable(schema, table), nil
}

type tagFilter struct {
	group string
	value string
}

func (t tagFilter) String() string {
	if t.group == "" {
		return "all objects"
	}
	return fmt.Sprintf("objects tagged %s=%s", t.group, t.value)
}

// parseTagFilter parses a single logfmt key/value pair, e.g. "env=prod". An empty string selects every object
func parseTagFilter(s string) (tagFilter, error) {
	tags, err := logFmtToMap(s)
	if err != nil {
		return tagFilter{}, fmt.Errorf("parsing tag %q: %w", s, err)
	}
	switch len(tags) {
	case 0:
		return tagFilter{}, nil
	case 1:
		for group, value := range tags {
			return tagFilter{group: group, value: value}, nil
		}
	}
	return tagFilter{}, fmt.Errorf("expected a single tag, got %s", strings.Join(util.SortedKeys(tags), ", "))
}

// logFmtToMap parses all LogFmt key/value pairs from the provided string into a
// map.
//
// All records are scanned. If a duplicate key is found, an error is returned.
func logFmtToMap(logFmt string) (map[string]string, error) {
	logMap := make(map[string]string)
	decoder := logfmt.NewDecoder(strings.NewReader(logFmt))
	for decoder.ScanRecord() {
		for decoder.ScanKeyval() {
			if _, ok := logMap[string(decoder.Key())]; ok {
				return nil, fmt.Errorf("duplicate key %q in logfmt", string(decoder.Key()))
			}
			logMap[string(decoder.Key())] = string(decoder.Value())
		}
	}
	if decoder.Err() != nil {
		return nil, decoder.Err()
	}
	return logMap, nil
}
