package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/sqlvfs/pkg/config"
	"github.com/umputun/sqlvfs/pkg/vfs"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func Test_main(t *testing.T) {
	name := "cli-" + uuid.NewString()
	os.Args = []string{"sqlvfs", "--vfs=memvfs", "--name=" + name, "--rows=5", "--no-color", "--pragma=hello_vfs=main"}
	out := captureStdout(t, main)
	assert.Contains(t, out, "sqlvfs latest")
	assert.Contains(t, out, "sqlvfs.db: 5 rows in")
	assert.Contains(t, out, "pragma hello_vfs=main: main")
	assert.Contains(t, vfs.Registered(), name)
}

func Test_run(t *testing.T) {
	ctx := context.Background()

	t.Run("memvfs with overrides", func(t *testing.T) {
		buf := bytes.Buffer{}
		opts := options{VFS: "memvfs", Name: "run-" + uuid.NewString(), DB: "run.db", Rows: 50, Concurrent: 8,
			Pragmas: []string{"hello_vfs=42", "hello_vfs", "memvfs_files", "page_size"}}
		require.NoError(t, run(ctx, opts, &buf))
		out := buf.String()
		t.Log(out)
		assert.Contains(t, out, "run.db: 50 rows in")
		assert.Contains(t, out, "pragma hello_vfs=42: 42\n")
		assert.Regexp(t, `\] pragma hello_vfs: .*argument required`, out)
		assert.Contains(t, out, "["+opts.Name+"] run.db: 50 rows in")
		assert.Contains(t, out, "pragma memvfs_files: 1\n")
		assert.Contains(t, out, "pragma page_size: 4096\n")
		assert.False(t, vfs.Poisoned(opts.Name))
	})

	t.Run("config file", func(t *testing.T) {
		buf := bytes.Buffer{}
		opts := options{Config: "testdata/mem.yml", Name: "conf-" + uuid.NewString()}
		require.NoError(t, run(ctx, opts, &buf))
		out := buf.String()
		assert.Contains(t, out, "conf.db: 25 rows in")
		assert.Contains(t, out, "pragma hello_vfs=conf: conf\n")
	})

	t.Run("default vfs", func(t *testing.T) {
		buf := bytes.Buffer{}
		opts := options{Name: "default-" + uuid.NewString(), DB: "default.db", Rows: 3, Default: true,
			Pragmas: []string{"hello_vfs=dflt"}}
		require.NoError(t, run(ctx, opts, &buf))
		assert.Contains(t, buf.String(), "default.db: 3 rows in")
		assert.Contains(t, buf.String(), "pragma hello_vfs=dflt: dflt\n", "served by the default vfs")
	})

	t.Run("duplicate name", func(t *testing.T) {
		opts := options{Name: "dup-" + uuid.NewString(), Rows: 1}
		require.NoError(t, run(ctx, opts, io.Discard))
		err := run(ctx, opts, io.Discard)
		require.ErrorContains(t, err, "can't register vfs")
		assert.ErrorIs(t, err, vfs.ErrExists)
	})

	t.Run("invalid options", func(t *testing.T) {
		err := run(ctx, options{VFS: "sftp", Concurrent: 0}, io.Discard)
		require.ErrorContains(t, err, "invalid options")
		assert.ErrorContains(t, err, "sftp host is required")
		assert.ErrorContains(t, err, "sftp key is required")
	})

	t.Run("sftp without key", func(t *testing.T) {
		err := run(ctx, options{Config: "testdata/sftp.toml"}, io.Discard)
		require.ErrorContains(t, err, "can't make sftp backend")
		assert.ErrorContains(t, err, "private key file")
	})

	t.Run("missing config", func(t *testing.T) {
		err := run(ctx, options{Config: "testdata/nope.yml"}, io.Discard)
		require.ErrorContains(t, err, "can't load config")
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := run(cctx, options{Name: "cancel-" + uuid.NewString(), Rows: 10}, io.Discard)
		require.Error(t, err)
		assert.ErrorContains(t, err, "workload failed")
	})
}

func Test_makeConfig(t *testing.T) {
	opts := options{Config: "testdata/mem.yml", DB: "other.db", Rows: 7, Concurrent: 2, Pragmas: []string{"page_size"}}
	opts.SFTP.Host = "example.com"
	opts.SFTP.Timeout = 3 * time.Second
	opts.SFTP.Known = "/etc/ssh/ssh_known_hosts"
	conf, err := makeConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, config.BackendMem, conf.VFS)
	assert.Equal(t, "other.db", conf.DB)
	assert.Equal(t, config.Workload{Rows: 7, Concurrent: 2}, conf.Workload)
	assert.Equal(t, []string{"hello_vfs=conf", "memvfs_files", "page_size"}, conf.Pragmas)
	assert.Equal(t, "example.com", conf.SFTP.Host)
	assert.Equal(t, config.Duration(3*time.Second), conf.SFTP.Timeout)
	assert.Equal(t, "/etc/ssh/ssh_known_hosts", conf.SFTP.KnownHosts)

	conf, err = makeConfig(options{})
	require.NoError(t, err)
	assert.Equal(t, config.Default(), conf)
}

func Test_reportWriter(t *testing.T) {
	buf := bytes.Buffer{}
	rep := &reportWriter{wr: &buf, name: "mem", monochrome: true}
	rep.Printf("line %d\nline %d", 1, 2)
	rep.Errorf("failed, %s", "boom")
	n, err := rep.Write([]byte("raw\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "[mem] line 1\n[mem] line 2\n[mem] failed, boom\n[mem] raw\n", buf.String())

	c1, c2 := (&reportWriter{name: "a"}).colorizer(), (&reportWriter{name: "a"}).colorizer()
	assert.Equal(t, c1("x"), c2("x"), "same name, same color")
}

func Test_dsn(t *testing.T) {
	conf := config.Default()
	assert.Equal(t, "sqlvfs.db?_pragma=busy_timeout(5000)&vfs=memvfs", dsn(conf))
	conf.Name = "custom"
	assert.Equal(t, "sqlvfs.db?_pragma=busy_timeout(5000)&vfs=custom", dsn(conf))
	conf.Default = true
	assert.Equal(t, "sqlvfs.db?_pragma=busy_timeout(5000)", dsn(conf))
}

func Test_formatErrorString(t *testing.T) {
	err := multierror.Append(nil, errors.New("error 1"), errors.New("error 2"))
	wrapped := errors.New("invalid options: " + err.Error())
	assert.Equal(t, "invalid options: 2 errors occurred:\n   [0] error 1\n   [1] error 2\n",
		formatErrorString(wrapped.Error()))

	single := errors.New("invalid options: " + multierror.Append(nil, errors.New("only")).Error())
	assert.Equal(t, "invalid options: 1 error occurred:\n   [0] only\n", formatErrorString(single.Error()))

	assert.Equal(t, "plain error", formatErrorString("plain error"))
}

// captureStdout captures everything written to stdout within the function fn
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	defer func() { os.Stdout = old }()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	done := make(chan []byte)
	go func() {
		out, _ := io.ReadAll(r)
		done <- out
	}()
	fn()
	_ = w.Close()
	return string(<-done)
}
