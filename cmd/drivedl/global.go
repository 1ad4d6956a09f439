package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cryptdrive/drivedl/internal/api"
	"github.com/cryptdrive/drivedl/internal/api/limiter"
	"github.com/cryptdrive/drivedl/internal/api/retry"
	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/download"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/keycache"
	"github.com/cryptdrive/drivedl/internal/telemetry"
	"github.com/cryptdrive/drivedl/internal/ui/progress"

	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var version = "0.3.0-dev (compiled manually)"

// GlobalOptions hold all global options for drivedl.
type GlobalOptions struct {
	APIURL             string
	Token              string
	ConfigFile         string
	ListingConnections int
	FetchConnections   int
	PageSize           int
	Quiet              bool
	Verbose            int
	JSON               bool

	api.TransportOptions
	limiter.Limits

	stdout io.Writer
	stderr io.Writer

	// verbosity is set as follows:
	//  0 means: don't print any messages except errors, this is used when --quiet is specified
	//  1 is the default: print essential messages
	//  2 means: print more messages, this is used when --verbose is specified
	//  3 means: print very detailed debug messages, this is used when --verbose=2 is specified
	verbosity uint
}

// envFlags maps flag names to the environment variables that provide their
// default values.
var envFlags = map[string]string{
	"api-url": "DRIVEDL_API_URL",
	"token":   "DRIVEDL_TOKEN",
	"config":  "DRIVEDL_CONFIG",
	"cacert":  "DRIVEDL_CACERT",
}

// defaultFetchConnections derives the number of concurrent block fetches
// from the number of CPUs.
func defaultFetchConnections() int {
	return min(max(runtime.NumCPU()/2, 2), 8)
}

func (opts *GlobalOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.APIURL, "api-url", "", "base `URL` of the storage API (default: $DRIVEDL_API_URL)")
	f.StringVar(&opts.Token, "token", "", "session access `token` (default: $DRIVEDL_TOKEN)")
	f.StringVar(&opts.ConfigFile, "config", "", "read options from a YAML `file` (default: $DRIVEDL_CONFIG)")
	f.IntVar(&opts.ListingConnections, "listing-connections", 4, "number of concurrent block listings")
	f.IntVar(&opts.FetchConnections, "fetch-connections", defaultFetchConnections(), "number of concurrent block downloads")
	f.IntVar(&opts.PageSize, "page-size", drive.DefaultPageSize, "number of blocks requested per listing page")
	f.IntVar(&opts.Limits.DownloadKb, "limit-download", 0, "limits downloads to a maximum `rate` in KiB/s. (default: unlimited)")
	f.StringSliceVar(&opts.RootCertFilenames, "cacert", nil, "`file` to load root certificates from (default: use system certificates or $DRIVEDL_CACERT)")
	f.BoolVar(&opts.InsecureTLS, "insecure-tls", false, "skip TLS certificate verification when connecting to the API (insecure)")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not output progress")
	// use empty parameter name as `-v, --verbose n` instead of the correct `--verbose=n` is confusing
	f.CountVarP(&opts.Verbose, "verbose", "v", "be verbose (specify multiple times or a level using --verbose=n``, max level/times is 2)")
	f.BoolVar(&opts.JSON, "json", false, "report errors and download events as JSON on stderr")

	opts.APIURL = os.Getenv("DRIVEDL_API_URL")
	opts.Token = os.Getenv("DRIVEDL_TOKEN")
	opts.ConfigFile = os.Getenv("DRIVEDL_CONFIG")
	if os.Getenv("DRIVEDL_CACERT") != "" {
		opts.RootCertFilenames = strings.Split(os.Getenv("DRIVEDL_CACERT"), ",")
	}
}

func (opts *GlobalOptions) PreRun(f *pflag.FlagSet) error {
	if opts.ConfigFile != "" {
		if err := applyConfigFile(f, opts.ConfigFile); err != nil {
			return err
		}
	}

	// set verbosity, default is one
	opts.verbosity = 1
	if opts.Quiet && opts.Verbose > 0 {
		return errors.Fatal("--quiet and --verbose cannot be specified at the same time")
	}

	switch {
	case opts.Verbose >= 2:
		opts.verbosity = 3
	case opts.Verbose > 0:
		opts.verbosity = 2
	case opts.Quiet:
		opts.verbosity = 0
	}

	if opts.ListingConnections < 1 || opts.FetchConnections < 1 {
		return errors.Fatal("--listing-connections and --fetch-connections must be at least 1")
	}
	if opts.PageSize < 1 {
		return errors.Fatal("--page-size must be at least 1")
	}
	return nil
}

// applyConfigFile sets all flags named in the YAML file at filename that
// were neither given on the command line nor through the environment.
func applyConfigFile(f *pflag.FlagSet, filename string) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Fatalf("unable to read config file: %v", err)
	}

	var values map[string]interface{}
	if err := yaml.Unmarshal(buf, &values); err != nil {
		return errors.Fatalf("unable to parse config file %v: %v", filename, err)
	}

	for name, value := range values {
		flag := f.Lookup(name)
		if flag == nil || name == "config" {
			return errors.Fatalf("config file %v: unknown option %q", filename, name)
		}
		if flag.Changed {
			debug.Log("option %v given on the command line, ignoring config file", name)
			continue
		}
		if env, ok := envFlags[name]; ok && os.Getenv(env) != "" {
			debug.Log("option %v given as $%v, ignoring config file", name, env)
			continue
		}

		if err := setFlag(f, name, value); err != nil {
			return errors.Fatalf("config file %v: option %q: %v", filename, name, err)
		}
	}
	return nil
}

func setFlag(f *pflag.FlagSet, name string, value interface{}) error {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			if err := f.Set(name, fmt.Sprint(item)); err != nil {
				return err
			}
		}
		return nil
	case bool:
		return f.Set(name, strconv.FormatBool(v))
	case nil:
		return errors.New("value is empty")
	default:
		return f.Set(name, fmt.Sprint(v))
	}
}

var globalOptions = GlobalOptions{
	stdout: os.Stdout,
	stderr: os.Stderr,
}

// Warnf writes the message to the configured stderr stream.
func Warnf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(globalOptions.stderr, format, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stderr: %v\n", err)
	}
}

// terminalWidth returns the width of stdout, or 0 if it is not a terminal.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func newPrinter(opts *GlobalOptions) progress.Printer {
	width := 0
	if opts.stdout == os.Stdout {
		width = terminalWidth()
	}
	verbosity := opts.verbosity
	if opts.JSON {
		// stdout carries no status lines in JSON mode
		verbosity = 0
	}
	return progress.NewTextPrinter(opts.stdout, opts.stderr, verbosity, width)
}

func retryPolicy() retry.Policy {
	return retry.Policy{
		MaxElapsedTime: 5 * time.Minute,
		Permanent:      api.IsPermanentError,
		Report: func(msg string, err error, d time.Duration) {
			if d >= 0 {
				Warnf("%v returned error, retrying after %v: %v\n", msg, d, err)
			} else {
				Warnf("%v failed: %v\n", msg, err)
			}
		},
		Success: func(msg string, retries int) {
			Warnf("%v operation successful after %d retries\n", msg, retries)
		},
	}
}

// openAPI builds the client stack: the HTTP client, retries of metadata
// requests and the bandwidth limit.
func openAPI(opts *GlobalOptions) (drive.API, drive.KeyDirectory, error) {
	if opts.APIURL == "" {
		return nil, nil, errors.Fatal("Please specify the API URL (--api-url or $DRIVEDL_API_URL)")
	}
	cfg, err := api.ParseConfig(opts.APIURL)
	if err != nil {
		return nil, nil, errors.Fatalf("invalid API URL: %v", err)
	}
	cfg.Token = opts.Token

	tropts := opts.TransportOptions
	if tropts.UserAgent == "" {
		tropts.UserAgent = "drivedl/" + version
	}
	rt, err := api.Transport(tropts)
	if err != nil {
		return nil, nil, errors.Fatal(err.Error())
	}

	client, err := api.New(cfg, rt)
	if err != nil {
		return nil, nil, err
	}

	var be drive.API = retry.New(client, retryPolicy())
	if opts.Limits.DownloadKb > 0 {
		be = limiter.LimitAPI(be, limiter.NewStaticLimiter(opts.Limits))
	}

	keys := keycache.New(retry.NewKeyDirectory(client, retryPolicy()), keycache.DefaultSize, keycache.DefaultTTL)
	return be, keys, nil
}

func newMetrics(opts *GlobalOptions) telemetry.Sink {
	if opts.JSON {
		return telemetry.Multi{telemetry.DebugSink, telemetry.NewJSONLines(opts.stderr)}
	}
	return telemetry.DebugSink
}

// newDownloader returns a Downloader whose transfers share one set of
// gates.
func newDownloader(opts *GlobalOptions, secrets drive.Secrets) (*download.Downloader, error) {
	be, keys, err := openAPI(opts)
	if err != nil {
		return nil, err
	}

	gates, err := download.NewGates(opts.ListingConnections, opts.ListingConnections, opts.FetchConnections)
	if err != nil {
		return nil, errors.Fatal(err.Error())
	}

	return download.New(be, secrets, keys, gates, download.Config{
		PageSize: opts.PageSize,
		Metrics:  newMetrics(opts),
	}), nil
}
