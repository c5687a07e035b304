package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"
	_ "modernc.org/sqlite"

	"github.com/umputun/sqlvfs/pkg/config"
	"github.com/umputun/sqlvfs/pkg/memvfs"
	"github.com/umputun/sqlvfs/pkg/sftpvfs"
	"github.com/umputun/sqlvfs/pkg/vfs"
)

type options struct {
	Config string `short:"c" long:"config" env:"SQLVFS_CONFIG" description:"config file, yaml or toml"`

	// overrides
	VFS        string   `long:"vfs" env:"SQLVFS_VFS" description:"vfs backend" choice:"memvfs" choice:"sftp"`
	Name       string   `long:"name" description:"name to register the vfs under"`
	DB         string   `long:"db" env:"SQLVFS_DB" description:"database file"`
	Default    bool     `long:"default" description:"register as the default vfs"`
	Concurrent int      `long:"concurrent" description:"concurrent writers"`
	Rows       int      `long:"rows" description:"rows to insert"`
	Pragmas    []string `short:"p" long:"pragma" description:"pragma to run after the workload, like hello_vfs=1"`

	SFTP struct {
		Host    string        `long:"host" env:"HOST" description:"sftp host:port"`
		User    string        `long:"user" env:"USER" description:"sftp user"`
		Key     string        `long:"key" env:"KEY" description:"ssh private key"`
		Root    string        `long:"root" env:"ROOT" description:"remote directory for database files"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" description:"ssh timeout"`
		Known   string        `long:"known-hosts" env:"KNOWN_HOSTS" description:"known_hosts file to verify host keys"`
	} `group:"sftp" namespace:"sftp" env-namespace:"SQLVFS_SFTP"`

	Version bool `long:"version" description:"show version"`
	NoColor bool `long:"no-color" description:"disable colorized output"`
	Dbg     bool `long:"dbg" description:"debug mode"`
}

var revision = "latest"

func main() {
	fmt.Printf("sqlvfs %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	if opts.Version {
		os.Exit(0) // already printed
	}
	setupLog(opts.Dbg)
	if opts.NoColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		if opts.Dbg {
			log.Panicf("[ERROR] %v", err)
		}
		fmt.Printf("failed, %v\n", formatErrorString(err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) (err error) {
	st := time.Now()
	conf, err := makeConfig(opts)
	if err != nil {
		return err
	}

	backend, closeBackend, err := makeBackend(ctx, conf)
	if err != nil {
		return fmt.Errorf("can't make %s backend: %w", conf.VFS, err)
	}
	defer func() {
		if e := closeBackend(); e != nil {
			err = multierror.Append(err, fmt.Errorf("can't close %s backend: %w", conf.VFS, e)).ErrorOrNil()
		}
	}()

	name := conf.VFSName()
	hostLog, err := vfs.RegisterStatic(name, backend, vfs.RegisterOpts{MakeDefault: conf.Default})
	if err != nil {
		return fmt.Errorf("can't register vfs %q: %w", name, err)
	}
	hostLog.SetDebug(opts.Dbg)
	hostLog.Logf(vfs.LogNotice, "sqlvfs %s, vfs %q registered, default %v", revision, name, conf.Default)
	log.Printf("[INFO] vfs %q registered, backend %s", name, conf.VFS)

	db, err := sql.Open("sqlite", dsn(conf))
	if err != nil {
		return fmt.Errorf("can't open %s: %w", conf.DB, err)
	}
	defer func() {
		if e := db.Close(); e != nil {
			err = multierror.Append(err, fmt.Errorf("can't close %s: %w", conf.DB, e)).ErrorOrNil()
		}
	}()
	db.SetMaxOpenConns(conf.Workload.Concurrent)

	count, err := workload(ctx, db, conf.Workload)
	if err != nil {
		if vfs.Poisoned(name) {
			hostLog.Logf(vfs.LogError, "vfs %q is poisoned", name)
		}
		return fmt.Errorf("workload failed on %s: %w", conf.DB, err)
	}
	rep := &reportWriter{wr: out, name: name, monochrome: opts.NoColor}
	rep.Printf("%s: %d rows in %s", conf.DB, count, time.Since(st).Truncate(time.Millisecond))
	for _, p := range conf.Pragmas {
		res, perr := pragma(ctx, db, p)
		if perr != nil {
			rep.Errorf("pragma %s: %v", p, perr)
			continue
		}
		rep.Printf("pragma %s: %s", p, strings.Join(res, ", "))
	}
	log.Printf("[DEBUG] open files on %q: %d", name, vfs.OpenFiles(name))
	return nil
}

// makeConfig loads the config file, if any, and applies command line overrides
func makeConfig(opts options) (*config.Config, error) {
	conf := config.Default()
	if opts.Config != "" {
		c, err := config.Load(opts.Config)
		if err != nil {
			return nil, fmt.Errorf("can't load config: %w", err)
		}
		conf = c
	}

	if opts.VFS != "" {
		conf.VFS = opts.VFS
	}
	if opts.Name != "" {
		conf.Name = opts.Name
	}
	if opts.DB != "" {
		conf.DB = opts.DB
	}
	if opts.Default {
		conf.Default = true
	}
	if opts.Concurrent > 0 {
		conf.Workload.Concurrent = opts.Concurrent
	}
	if opts.Rows > 0 {
		conf.Workload.Rows = opts.Rows
	}
	conf.Pragmas = append(conf.Pragmas, opts.Pragmas...)
	if opts.SFTP.Host != "" {
		conf.SFTP.Host = opts.SFTP.Host
	}
	if opts.SFTP.User != "" {
		conf.SFTP.User = opts.SFTP.User
	}
	if opts.SFTP.Key != "" {
		conf.SFTP.Key = opts.SFTP.Key
	}
	if opts.SFTP.Root != "" {
		conf.SFTP.Root = opts.SFTP.Root
	}
	if opts.SFTP.Timeout > 0 {
		conf.SFTP.Timeout = config.Duration(opts.SFTP.Timeout)
	}
	if opts.SFTP.Known != "" {
		conf.SFTP.KnownHosts = opts.SFTP.Known
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return conf, nil
}

// makeBackend makes the vfs implementation for the configured backend and the func closing it
func makeBackend(ctx context.Context, conf *config.Config) (vfs.VFS, func() error, error) {
	switch conf.VFS {
	case config.BackendMem:
		return memvfs.New(), func() error { return nil }, nil
	case config.BackendSFTP:
		connector, err := sftpvfs.NewConnector(conf.SFTP.Key, sftpvfs.ConnectorOpts{
			Timeout:    time.Duration(conf.SFTP.Timeout),
			KnownHosts: conf.SFTP.KnownHosts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("can't create connector: %w", err)
		}
		v, err := connector.Connect(ctx, conf.SFTP.Host, conf.SFTP.User, conf.SFTP.Root)
		if err != nil {
			return nil, nil, fmt.Errorf("can't connect to %s: %w", conf.SFTP.Host, err)
		}
		return v, v.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown vfs %q", conf.VFS)
}

// dsn makes the data source name. The default vfs is picked by the host, others are named explicitly.
func dsn(conf *config.Config) string {
	res := conf.DB + "?_pragma=busy_timeout(5000)"
	if !conf.Default {
		res += "&vfs=" + conf.VFSName()
	}
	return res
}

// workload creates the records table, inserts rows with concurrent writers and returns the table size
func workload(ctx context.Context, db *sql.DB, wl config.Workload) (int, error) {
	if _, err := db.ExecContext(ctx, "create table if not exists records (id integer primary key, val text, ts integer)"); err != nil {
		return 0, fmt.Errorf("can't create table: %w", err)
	}

	wg := syncs.NewErrSizedGroup(wl.Concurrent, syncs.Context(ctx), syncs.Preemptive)
	for i := 0; i < wl.Rows; i++ {
		wg.Go(func() error {
			_, err := db.ExecContext(ctx, "insert into records (val, ts) values (?, ?)", fmt.Sprintf("row-%d", i), time.Now().UnixNano())
			if err != nil {
				return fmt.Errorf("can't insert row %d: %w", i, err)
			}
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return 0, err
	}

	var count int
	if err := db.QueryRowContext(ctx, "select count(*) from records").Scan(&count); err != nil {
		return 0, fmt.Errorf("can't count rows: %w", err)
	}
	return count, nil
}

// pragma runs "pragma p" and returns the first column of all result rows
func pragma(ctx context.Context, db *sql.DB, p string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "pragma "+p)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []string{}
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("can't scan pragma %s: %w", p, err)
		}
		res = append(res, v.String)
	}
	return res, rows.Err()
}

func formatErrorString(input string) string {
	headerRe := regexp.MustCompile(`(.*: \d+ errors? occurred:)`)
	headerMatch := headerRe.FindStringSubmatch(input)
	if len(headerMatch) == 0 {
		return input
	}

	errorsRe := regexp.MustCompile(`\n\t\* (.+)`)
	errorsMatches := errorsRe.FindAllStringSubmatch(input, -1)

	res := fmt.Sprintf("%s\n", strings.TrimSpace(headerMatch[1]))
	for i, match := range errorsMatches {
		res += fmt.Sprintf("   [%d] %s\n", i, strings.TrimSpace(match[1]))
	}
	return res
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)} // default to discard
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
