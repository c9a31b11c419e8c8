// Command resql is an interactive shell for a resql cluster.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/resql/resql-go/client"
)

type options struct {
	configFile  string
	urls        []string
	clusterName string
	clientName  string
	timeout     time.Duration
	logLevel    string
	debug       bool
	vertical    bool
	commands    []string
}

func main() {
	var opts options

	app := kingpin.New("resql", "Interactive shell for a resql cluster.")
	app.Version(client.Version)
	app.HelpFlag.Short('h')
	app.Flag("config", "YAML client configuration file.").Short('f').StringVar(&opts.configFile)
	app.Flag("url", "Node address, repeatable. ex: tcp://127.0.0.1:7600").Short('u').StringsVar(&opts.urls)
	app.Flag("cluster-name", "Cluster name.").StringVar(&opts.clusterName)
	app.Flag("client-name", "Client name, reused to resume a session.").StringVar(&opts.clientName)
	app.Flag("timeout", "Connect and request timeout.").DurationVar(&opts.timeout)
	app.Flag("log-level", "Client log level: debug, info, warn, error.").StringVar(&opts.logLevel)
	app.Flag("debug", "Print detailed errors.").BoolVar(&opts.debug)
	app.Flag("vertical", "Always print rows vertically.").BoolVar(&opts.vertical)
	app.Flag("command", "Run the statement and exit, repeatable.").Short('c').StringsVar(&opts.commands)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := opts.config()
	if err != nil {
		exitWithErr(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Trying to connect to server at %s\n", strings.Join(cfg.Endpoints, " "))
	s, err := client.Create(ctx, cfg)
	if err != nil {
		exitWithErr(fmt.Errorf("failed to connect: %s", client.FormatError(err, opts.debug)))
	}
	defer s.Shutdown(context.Background())

	// Piped input gets neither prompt nor colours.
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if !interactive {
		color.NoColor = true
	}

	sh := &shell{
		session: s,
		render:  newRenderer(os.Stdout, terminalWidth(int(os.Stdout.Fd()))),
		out:     os.Stdout,
		prompt:  interactive,
		debug:   opts.debug,
	}
	sh.render.vertical = opts.vertical

	if len(opts.commands) > 0 {
		for _, c := range opts.commands {
			if err := sh.run(ctx, c); err != nil {
				s.Shutdown(context.Background())
				os.Exit(1)
			}
		}
		return
	}

	if interactive {
		color.New(color.FgGreen).Println("Connected")
		fmt.Println("\nType .help for usage.")
	}
	sh.loop(ctx, os.Stdin)
	if interactive {
		fmt.Println("Shutting down..")
	}
}

// config layers the YAML file, then explicit flags, over the defaults.
func (o *options) config() (client.Config, error) {
	cfg := client.DefaultConfig()
	if o.configFile != "" {
		var err error
		if cfg, err = client.LoadConfig(o.configFile); err != nil {
			return cfg, err
		}
	}

	if len(o.urls) > 0 {
		cfg.Endpoints = o.urls
	}
	if o.clusterName != "" {
		cfg.ClusterName = o.clusterName
	}
	if o.clientName != "" {
		cfg.ClientName = o.clientName
	}
	if o.timeout > 0 {
		cfg.Timeout = o.timeout
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.debug {
		cfg.DebugMode = true
	}
	return cfg, cfg.Validate()
}

type shell struct {
	session *client.Session
	render  *renderer
	out     io.Writer
	prompt  bool
	debug   bool
}

func (sh *shell) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		if sh.prompt {
			fmt.Fprint(sh.out, "resql> ")
		}

		var line string
		select {
		case <-ctx.Done():
			sh.newline()
			return
		case l, ok := <-lines:
			if !ok {
				sh.newline()
				return
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, ".") {
			sh.run(ctx, line)
			sh.newline()
			continue
		}
		if !sh.command(ctx, line) {
			return
		}
		sh.newline()
	}
}

func (sh *shell) newline() {
	if sh.prompt {
		fmt.Fprintln(sh.out)
	}
}

// command runs a dot command and reports whether the shell should go on.
func (sh *shell) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")

	switch name {
	case ".exit", ".quit":
		return false
	case ".help":
		printHelp()
	case ".vertical":
		sh.render.vertical = !sh.render.vertical
		mode := "auto"
		if sh.render.vertical {
			mode = "true"
		}
		fmt.Printf("Vertical : %s\n", mode)
	case ".tables":
		sh.query(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE 'resql_%'")
	case ".alltables":
		sh.query(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	case ".indexes":
		sh.query(ctx, "SELECT name FROM sqlite_master WHERE type = 'index' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE 'resql_%'")
	case ".allindexes":
		sh.query(ctx, "SELECT name FROM sqlite_master WHERE type = 'index'")
	case ".schema":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			fmt.Println("Syntax : .schema mytable")
			break
		}
		sh.query(ctx, fmt.Sprintf("PRAGMA table_info([%s])", arg))
	default:
		fmt.Printf("Unrecognized command: %s\n\n", line)
		printHelp()
	}
	return true
}

func (sh *shell) run(ctx context.Context, sql string) error {
	return sh.exec(ctx, sql, false)
}

func (sh *shell) query(ctx context.Context, sql string) error {
	return sh.exec(ctx, sql, true)
}

func (sh *shell) exec(ctx context.Context, sql string, readonly bool) error {
	sh.session.PutSQL(sql)

	rs, err := sh.session.Exec(ctx, readonly)
	if err != nil {
		printError(err, sh.debug)
		return err
	}

	for rs.Next() {
		if err := sh.render.render(rs); err != nil {
			printError(err, sh.debug)
			return err
		}
	}
	return rs.Err()
}

func printError(err error, debug bool) {
	label := "Error"
	if client.StatusOf(err) != client.StatusSQLError {
		label = "Disconnected"
	}
	color.New(color.FgRed).Fprintf(os.Stderr, "%s : %s\n", label, client.FormatError(err, debug))
}

func printHelp() {
	fmt.Print(`
You can type SQL queries. Commands start with '.'
and are not interpreted as SQL.

 .tables             Print user tables only
 .indexes            Print user indexes only
 .schema <table>     Print table schema
 .alltables          Print all tables
 .allindexes         Print all indexes
 .vertical           Flip the vertical print flag. By default tables
                     that do not fit the screen are printed vertically
 .help               Print help screen
 .exit               Exit shell
`)
}

// terminalWidth returns the width of the terminal on fd. COLUMNS is used
// when fd is not a terminal.
func terminalWidth(fd int) int {
	if term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			return w
		}
	}
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n
	}
	return defaultWidth
}

func exitWithErr(err error) {
	color.New(color.FgRed).Fprintln(os.Stderr, err)
	os.Exit(1)
}
