package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cryptdrive/drivedl/internal/errors"
	rtest "github.com/cryptdrive/drivedl/internal/test"

	"github.com/spf13/pflag"
)

func newTestFlags(t *testing.T, args ...string) (*GlobalOptions, *pflag.FlagSet) {
	t.Helper()
	opts := &GlobalOptions{}
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(f)
	rtest.OK(t, f.Parse(args))
	return opts, f
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(rtest.TempDir(t), "drivedl.yaml")
	rtest.OK(t, os.WriteFile(filename, []byte(content), 0600))
	return filename
}

func TestConfigFile(t *testing.T) {
	t.Setenv("DRIVEDL_API_URL", "https://env.example.com")
	t.Setenv("DRIVEDL_TOKEN", "")

	cfg := writeConfig(t, `
api-url: https://file.example.com
token: secret
page-size: 20
fetch-connections: 3
limit-download: 512
cacert:
  - a.pem
  - b.pem
json: true
insecure-tls: true
`)

	opts, f := newTestFlags(t, "--page-size=5", "--config", cfg)
	rtest.OK(t, opts.PreRun(f))

	// command line wins over the file
	rtest.Equals(t, 5, opts.PageSize)
	// the environment wins over the file
	rtest.Equals(t, "https://env.example.com", opts.APIURL)

	rtest.Equals(t, "secret", opts.Token)
	rtest.Equals(t, 3, opts.FetchConnections)
	rtest.Equals(t, 4, opts.ListingConnections)
	rtest.Equals(t, 512, opts.Limits.DownloadKb)
	rtest.Equals(t, []string{"a.pem", "b.pem"}, opts.RootCertFilenames)
	rtest.Equals(t, true, opts.JSON)
	rtest.Equals(t, true, opts.InsecureTLS)
}

func TestConfigFileFromEnvironment(t *testing.T) {
	cfg := writeConfig(t, "listing-connections: 7\n")
	t.Setenv("DRIVEDL_CONFIG", cfg)

	opts, f := newTestFlags(t)
	rtest.OK(t, opts.PreRun(f))
	rtest.Equals(t, 7, opts.ListingConnections)
}

func TestConfigFileErrors(t *testing.T) {
	t.Setenv("DRIVEDL_CONFIG", "")

	for _, test := range []struct {
		name, content, msg string
	}{
		{"unknown option", "no-such-option: 1\n", `unknown option "no-such-option"`},
		{"nested config", "config: other.yaml\n", `unknown option "config"`},
		{"invalid value", "page-size: many\n", `option "page-size"`},
		{"empty value", "token:\n", "value is empty"},
		{"not yaml", "page-size: [1\n", "unable to parse"},
	} {
		t.Run(test.name, func(t *testing.T) {
			opts, f := newTestFlags(t, "--config", writeConfig(t, test.content))
			err := opts.PreRun(f)
			rtest.Assert(t, errors.IsFatal(err), "expected fatal error, got %v", err)
			rtest.Assert(t, strings.Contains(err.Error(), test.msg), "unexpected message %q", err.Error())
		})
	}

	opts, f := newTestFlags(t, "--config", filepath.Join(rtest.TempDir(t), "missing.yaml"))
	rtest.Assert(t, errors.IsFatal(opts.PreRun(f)), "missing config file accepted")
}

func TestVerbosity(t *testing.T) {
	t.Setenv("DRIVEDL_CONFIG", "")

	for _, test := range []struct {
		args      []string
		verbosity uint
	}{
		{nil, 1},
		{[]string{"--quiet"}, 0},
		{[]string{"-v"}, 2},
		{[]string{"-vv"}, 3},
		{[]string{"--verbose=2"}, 3},
	} {
		opts, f := newTestFlags(t, test.args...)
		rtest.OK(t, opts.PreRun(f))
		rtest.Equals(t, test.verbosity, opts.verbosity, strings.Join(test.args, " "))
	}

	opts, f := newTestFlags(t, "-q", "-v")
	rtest.Assert(t, errors.IsFatal(opts.PreRun(f)), "--quiet with --verbose accepted")
}

func TestConnectionLimits(t *testing.T) {
	t.Setenv("DRIVEDL_CONFIG", "")

	opts, f := newTestFlags(t)
	rtest.Assert(t, opts.FetchConnections >= 2 && opts.FetchConnections <= 8,
		"default fetch connections %d out of range", opts.FetchConnections)
	rtest.OK(t, opts.PreRun(f))

	for _, args := range [][]string{
		{"--listing-connections=0"},
		{"--fetch-connections=0"},
		{"--page-size=0"},
	} {
		opts, f := newTestFlags(t, args...)
		rtest.Assert(t, errors.IsFatal(opts.PreRun(f)), "%v accepted", args)
	}
}

func TestOpenAPI(t *testing.T) {
	opts := &GlobalOptions{}
	_, _, err := openAPI(opts)
	rtest.Assert(t, errors.IsFatal(err), "missing API URL accepted: %v", err)

	opts.APIURL = "ftp://example.com"
	_, _, err = openAPI(opts)
	rtest.Assert(t, errors.IsFatal(err), "unsupported scheme accepted: %v", err)

	opts.APIURL = "https://example.com/api"
	opts.Limits.DownloadKb = 100
	be, keys, err := openAPI(opts)
	rtest.OK(t, err)
	rtest.Assert(t, be != nil && keys != nil, "missing client")
}
