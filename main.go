package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mjl-/sconf"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/slices"

	"github.com/mvault/mvault/config"
	"github.com/mvault/mvault/mlog"
	"github.com/mvault/mvault/mvault-"
	"github.com/mvault/mvault/store"
	"github.com/mvault/mvault/tlsstatedb"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"maintenance", cmdMaintenance},
	{"spool list", cmdSpoolList},
	{"tlsstate list", cmdTLSStateList},
	{"tlsstate lookup", cmdTLSStateLookup},
	{"verifydata", cmdVerifydata},
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

	log *mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mvault "+strings.Join(c.words, " "), flag.ExitOnError)
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
	cs := "mvault " + strings.Join(c.words, " ")
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

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
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

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
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
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "mvault " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	var lines []string
	lines = append(lines, "mvault [-config config/mvault.conf] ...")
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mvault"}, c.words...)
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

var loglevel string

// Subcommands use this to load the config, restoring any loglevel specified
// on the command-line over the one from the config file.
func mustLoadConfig() {
	mvault.MustLoadConfig()
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]mlog.Level{"": level})
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&mvault.ConfigStaticPath, "config", envString("MVAULTCONF", filepath.FromSlash("config/mvault.conf")), "configuration file, defaults to $MVAULTCONF with a fallback to config/mvault.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	if tracefile != "" {
		defer traceExecution(tracefile)()
	}
	defer profile(cpuprofile, memprofile)()

	if loglevel != "" {
		if level, ok := mlog.Levels[loglevel]; ok {
			mlog.SetConfig(map[string]mlog.Level{"": level})
		} else {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
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
		c.flag = flag.NewFlagSet("mvault "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""))
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

func cmdVersion(c *cmd) {
	c.help = "Prints this mvault version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(mvault.Version)
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
	c.help = "Prints an annotated empty configuration file."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdMaintenance(c *cmd) {
	c.params = "account"
	c.help = `Runs the maintenance jobs for an account once: expires the outbound spool and
reclaims message records that have been without references past the retention
window, along with their stored bodies.

Safe to run while the account is otherwise in use. The run is skipped when
another maintenance run started recently.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	acc := xopenAccount(args[0])
	defer func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
	}()
	err := acc.Maintenance(context.Background(), c.log)
	xcheckf(err, "running maintenance")
}

func cmdSpoolList(c *cmd) {
	c.params = "account"
	c.help = "Lists the spooled outbound messages of an account with their pending destinations."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	acc := xopenAccount(args[0])
	defer func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
	}()
	l, err := acc.SpoolList(context.Background())
	xcheckf(err, "listing spool")
	if len(l) == 0 {
		fmt.Println("spool is empty")
		return
	}
	for _, st := range l {
		fmt.Printf("message %d, %s, from %s, expires %s\n", st.MessageID, st.TransferMode, st.MailFrom, st.Expires.Format("2006-01-02 15:04:05"))
		for _, rcpt := range st.Recipients {
			fmt.Printf("\tto %s\n", rcpt)
		}
	}
}

func cmdTLSStateList(c *cmd) {
	c.help = "Lists the remembered best-seen TLS state per destination domain."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	err := tlsstatedb.Init()
	xcheckf(err, "opening tlsstate database")
	defer tlsstatedb.Close()

	records, err := tlsstatedb.Records(context.Background())
	xcheckf(err, "listing tls state")
	for _, st := range records {
		fmt.Printf("%s: starttls %v, validcert %v, tlsversion %#x, first seen %s\n", st.Domain, st.STARTTLS, st.ValidCert, st.TLSVersion, st.FirstSeen.Format("2006-01-02"))
	}
}

func cmdTLSStateLookup(c *cmd) {
	c.params = "domain"
	c.help = "Prints the remembered best-seen TLS state for one destination domain."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	err := tlsstatedb.Init()
	xcheckf(err, "opening tlsstate database")
	defer tlsstatedb.Close()

	st, err := tlsstatedb.Lookup(context.Background(), args[0])
	xcheckf(err, "looking up domain")
	fmt.Printf("%s: starttls %v, validcert %v, tlsversion %#x, first seen %s\n", st.Domain, st.STARTTLS, st.ValidCert, st.TLSVersion, st.FirstSeen.Format("2006-01-02"))
}

func cmdVerifydata(c *cmd) {
	c.params = "account"
	c.help = `Verifies the databases and message body storage of an account.

First checks the database file is healthy at the key/value level, then checks
the store's invariants: reference counts, UID and modseq high-water marks and
the flag registry, and compares the message table against the bodies present
on disk through the per-bucket summaries.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	dbpath := filepath.Join(mvault.DataDirPath("accounts"), args[0], "index.db")
	bdb, err := bolt.Open(dbpath, 0600, &bolt.Options{ReadOnly: true})
	xcheckf(err, "opening database file")
	err = bdb.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			return b.ForEachBucket(func(sub []byte) error {
				if b.Bucket(sub) == nil {
					return fmt.Errorf("bucket %q: missing subbucket %q", name, sub)
				}
				return nil
			})
		})
	})
	xcheckf(err, "walking database file")
	err = bdb.Close()
	xcheckf(err, "closing database file")

	acc := xopenAccount(args[0])
	defer func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
	}()

	ctx := context.Background()
	problems, err := acc.CheckConsistency(ctx)
	xcheckf(err, "checking consistency")
	bad, err := acc.CheckSummary(ctx)
	xcheckf(err, "checking message summaries")
	for _, b := range bad {
		problems = append(problems, fmt.Sprintf("summary bucket %#02x: database and body storage disagree", b))
	}
	for _, p := range problems {
		fmt.Println(p)
	}
	if len(problems) > 0 {
		log.Fatalf("%d problems found", len(problems))
	}
	fmt.Println("data OK")
}

// xopenAccount opens an account with key material from its master key file
// and its bodies directory, exiting on failure.
func xopenAccount(name string) *store.Account {
	dir := filepath.Join(mvault.DataDirPath("accounts"), name)
	master, err := os.ReadFile(filepath.Join(dir, "masterkey"))
	xcheckf(err, "reading account master key")
	keys, err := store.NewMasterKeys(master)
	xcheckf(err, "deriving key material")
	acc, err := store.OpenAccount(name, keys, store.NewDirBlobs(filepath.Join(dir, "msg")))
	xcheckf(err, "opening account")
	return acc
}
