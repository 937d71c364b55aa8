package pgengine

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v4/stdlib"
)

// ErrPostgresNotFound is returned by StartEngine when no postgres binary is on the PATH. Tests use it to skip
var ErrPostgresNotFound = errors.New("postgres executable not found in path")

type ConnectionOption string

const (
	ConnectionOptionDatabase ConnectionOption = "dbname"
	ConnectionOptionUser     ConnectionOption = "user"
)

type ConnectionOptions map[ConnectionOption]string

func (c ConnectionOptions) With(option ConnectionOption, value string) ConnectionOptions {
	clone := make(ConnectionOptions)
	for k, v := range c {
		clone[k] = v
	}
	clone[option] = value
	return clone
}

// ToDSN renders the options as a keyword/value connection string. Keys are sorted so the output is stable
func (c ConnectionOptions) ToDSN() string {
	var pairs []string
	for k, v := range c {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}

type (
	engineOptions struct {
		port          int
		serverConfigs map[string]string
	}

	EngineOpt func(*engineOptions)
)

// WithPort sets the port the server listens on. It only matters for the socket file name, since the server does not
// listen on TCP
func WithPort(port int) EngineOpt {
	return func(opts *engineOptions) {
		opts.port = port
	}
}

// WithServerConfig sets a postgres configuration parameter, e.g., "deadlock_timeout"
func WithServerConfig(key, value string) EngineOpt {
	return func(opts *engineOptions) {
		opts.serverConfigs[key] = value
	}
}

type Engine struct {
	superuser string
	port      int

	// for cleanup purposes
	process  *os.Process
	dbPath   string
	sockPath string
}

const (
	defaultPort      = 5432
	defaultSuperuser = "postgres"

	defaultMaxConnAttemptsAtStartup      = 10
	defaultWaitBetweenStartupConnAttempt = time.Second
)

func defaultServerConfiguration() map[string]string {
	return map[string]string{
		"log_checkpoints": "false",
		// Deadlocks between concurrently applied objects should surface quickly in tests
		"deadlock_timeout": "100ms",
	}
}

// StartEngine starts a throwaway postgres instance for tests.
// "postgres" must be on the system's PATH, and the binary must be located in a directory containing "initdb"
func StartEngine(opts ...EngineOpt) (*Engine, error) {
	postgresPath, err := exec.LookPath("postgres")
	if err != nil {
		return nil, ErrPostgresNotFound
	}
	return StartEngineUsingPgDir(path.Dir(postgresPath), opts...)
}

func StartEngineUsingPgDir(pgDir string, opts ...EngineOpt) (_ *Engine, retErr error) {
	options := engineOptions{
		port:          defaultPort,
		serverConfigs: defaultServerConfiguration(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dbPath, err := os.MkdirTemp("", "postgresql-")
	if err != nil {
		return nil, err
	}
	sockPath, err := os.MkdirTemp("", "pgsock-")
	if err != nil {
		os.RemoveAll(dbPath)
		return nil, err
	}

	if err := initDB(path.Join(pgDir, "initdb"), dbPath, defaultSuperuser); err != nil {
		os.RemoveAll(dbPath)
		os.RemoveAll(sockPath)
		return nil, err
	}

	process, err := startServer(path.Join(pgDir, "postgres"), dbPath, sockPath, options.port, options.serverConfigs)
	if err != nil {
		os.RemoveAll(dbPath)
		os.RemoveAll(sockPath)
		return nil, err
	}

	pgEngine := &Engine{
		superuser: defaultSuperuser,
		port:      options.port,

		dbPath:   dbPath,
		sockPath: sockPath,
		process:  process,
	}
	defer func() {
		if retErr != nil {
			pgEngine.Close()
		}
	}()
	if err := pgEngine.waitTillServingTraffic(defaultMaxConnAttemptsAtStartup, defaultWaitBetweenStartupConnAttempt); err != nil {
		return nil, fmt.Errorf("waiting till server can serve traffic: %w", err)
	}

	return pgEngine, nil
}

func initDB(initDbPath, dbPath string, superuser string) error {
	cmd := exec.Command(initDbPath, "-U", superuser, "-D", dbPath, "-A", "trust")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("running initdb: %w\n%s", err, output)
	}
	return nil
}

func startServer(pgBinaryPath, dbPath, sockPath string, port int, configuration map[string]string) (*os.Process, error) {
	args := []string{
		"-D", dbPath,
		"-k", sockPath,
		"-p", strconv.Itoa(port),
		"-h", "",
	}
	for k, v := range configuration {
		args = append(args, "-c", fmt.Sprintf("%s=%s", k, v))
	}
	cmd := exec.Command(pgBinaryPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting postgres server instance: %w", err)
	}
	return cmd.Process, nil
}

func (e *Engine) waitTillServingTraffic(maxAttempts int, timeBetweenAttempts time.Duration) error {
	var mostRecentErr error
	for i := 0; i < maxAttempts; i++ {
		if mostRecentErr = e.ping(); mostRecentErr == nil {
			return nil
		}
		time.Sleep(timeBetweenAttempts)
	}
	return fmt.Errorf("unable to establish connection to postgres instance. most recent error: %w", mostRecentErr)
}

func (e *Engine) ping() error {
	db, err := sql.Open("pgx", e.GetPostgresDatabaseDSN())
	if err != nil {
		return err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}
	return db.Close()
}

func (e *Engine) GetPostgresDatabaseConnOpts() ConnectionOptions {
	return ConnectionOptions{
		ConnectionOptionDatabase: "postgres",
		ConnectionOptionUser:     e.superuser,
		"host":                   e.sockPath,
		"port":                   strconv.Itoa(e.port),
		"sslmode":                "disable",
	}
}

func (e *Engine) GetPostgresDatabaseDSN() string {
	return e.GetPostgresDatabaseConnOpts().ToDSN()
}

// Close stops the server and removes its data. It is best effort and idempotent
func (e *Engine) Close() error {
	e.process.Signal(os.Interrupt)
	e.process.Wait()
	os.RemoveAll(e.dbPath)
	os.RemoveAll(e.sockPath)
	return nil
}

// CreateDatabase creates a database with a random name
func (e *Engine) CreateDatabase() (*DB, error) {
	return e.CreateDatabaseWithName(fmt.Sprintf("pgtestdb_%s", uuid.NewString()))
}

func (e *Engine) CreateDatabaseWithName(name string) (*DB, error) {
	db, err := sql.Open("pgx", e.GetPostgresDatabaseDSN())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if _, err := db.Exec(fmt.Sprintf("CREATE DATABASE \"%s\"", name)); err != nil {
		return nil, err
	}
	return &DB{
		connOpts: e.GetPostgresDatabaseConnOpts().With(ConnectionOptionDatabase, name),
	}, nil
}
