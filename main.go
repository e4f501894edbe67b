package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/mjl-/sconf"

	"github.com/mjl-/outq/config"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/outq-"
	"github.com/mjl-/outq/webadmin"
)

// environment holds settings from environment variables, optionally from a
// .env file in the working directory.
type environment struct {
	Config        string `env:"OUTQ_CONFIG" envDefault:"outq.conf"`
	AdminURL      string `env:"OUTQ_ADMIN_URL"`
	AdminPassword string `env:"OUTQ_ADMIN_PASSWORD"`
}

var environ environment

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"queue list", cmdQueueList},
	{"queue add", cmdQueueAdd},
	{"queue retry", cmdQueueRetry},
	{"queue fail", cmdQueueFail},
	{"queue drop", cmdQueueDrop},
	{"dnsflush", cmdDNSFlush},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"setadminpassword", cmdSetadminpassword},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we run the command and panic after it
	// registered its flags and set its params and help.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("outq "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "outq " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) Usage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func usage(l []cmd) {
	lines := []string{"outq [-config outq.conf] [-loglevel level] ..."}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"outq"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if len(args) <= len(c.words) && slices.Equal(args, c.words[:len(args)]) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		fmt.Printf("outq %s\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

var loglevel string

func main() {
	log.SetFlags(0)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading .env: %s", err)
	}
	if err := env.Parse(&environ); err != nil {
		log.Fatalf("parsing environment: %s", err)
	}

	flag.StringVar(&environ.Config, "config", environ.Config, "configuration file, defaults to $OUTQ_CONFIG with a fallback to outq.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")
	var cpuprofile, memprofile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	defer profile(cpuprofile, memprofile)()

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("outq "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// profile starts a cpu profile if cpupath is set. The returned function stops
// it and writes a heap profile if mempath is set.
func profile(cpupath, mempath string) func() {
	var f *os.File
	if cpupath != "" {
		var err error
		f, err = os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "start cpu profile")
	}
	return func() {
		if f != nil {
			pprof.StopCPUProfile()
			err := f.Close()
			xcheckf(err, "closing cpu profile")
		}
		if mempath == "" {
			return
		}
		mf, err := os.Create(mempath)
		xcheckf(err, "creating memory profile")
		defer mf.Close()
		runtime.GC() // Up-to-date statistics.
		err = pprof.WriteHeapProfile(mf)
		xcheckf(err, "writing memory profile")
	}
}

// mustLoadConfig loads the config file, printing all errors and exiting if
// it is not valid.
func mustLoadConfig() *config.Config {
	conf, errs := config.Load(environ.Config)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	return conf
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">outq.conf"
	c.help = `Prints an annotated empty configuration for use as outq.conf.

Routes, routing rules, facts and log levels are reloaded when outq receives a
SIGHUP. Other changes require a restart.

This configuration needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdSetadminpassword(c *cmd) {
	c.help = `Set a new admin password, for the admin API.

The password is read from stdin. Its bcrypt hash is stored in the file
configured as Admin PasswordFile.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()
	if conf.Static.Admin == nil || conf.Static.Admin.PasswordFile == "" {
		log.Fatal("no admin password file configured")
	}

	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		xcheckf(scanner.Err(), "reading password")
		log.Fatal("no password")
	}
	pw, err := precis.OpaqueString.String(scanner.Text())
	xcheckf(err, `checking password with "precis" requirements`)
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	xcheckf(err, "generating hash for password")
	err = os.WriteFile(conf.Static.Admin.PasswordFile, hash, 0660)
	xcheckf(err, "writing hash to admin password file")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this outq version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(outq.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// xadminClient returns a client for the admin API of a running outq. The URL
// is taken from $OUTQ_ADMIN_URL, or the admin listener in the config file.
func xadminClient() *webadmin.Client {
	u := environ.AdminURL
	if u == "" {
		conf := mustLoadConfig()
		if conf.Static.Admin == nil {
			log.Fatal("no admin listener configured and $OUTQ_ADMIN_URL not set")
		}
		u = "http://" + conf.Static.Admin.Listen + "/api/"
	}
	client, err := webadmin.NewClient(u, environ.AdminPassword, nil)
	xcheckf(err, "admin api client")
	return client
}
