package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overhook/overhook/pkg/bridge"
	"github.com/overhook/overhook/pkg/config"
	"github.com/overhook/overhook/pkg/descriptor"
	"github.com/overhook/overhook/pkg/keys"
	"github.com/overhook/overhook/pkg/logflags"
	"github.com/overhook/overhook/pkg/proc"
	"github.com/overhook/overhook/pkg/script"
	"github.com/overhook/overhook/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath is the path of the configuration file.
	configPath string

	// listConfig is whether 'config' lists the options instead of setting one.
	listConfig bool

	// fps is the frame rate of the 'run' harness.
	fps int
	// initFile is a file of console commands executed by 'run' on startup.
	initFile string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const overhookCommandLongDesc = `Overhook is a scripting overlay for a host process.

It loads plugin scripts described by <name>.ini files, runs them inside the
host, exposes memory, keyboard and breakpoint services to them and shows
their status in an overlay drawn on top of the host's frames.

Outside of a host the 'run' command loads the same configuration and
plugins into a simulated process, driven from an interactive console.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Main overhook root command.
	rootCommand = &cobra.Command{
		Use:   "overhook",
		Short: "Overhook is a scripting overlay for a host process.",
		Long:  overhookCommandLongDesc,
	}

	defaultConfig := "overhook.yml"
	if !docCall {
		if path, err := config.GetConfigFilePath(); err == nil {
			defaultConfig = path
		}
	}

	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "Path of the configuration file.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'overhook help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'overhook help log').")

	// 'check' subcommand.
	checkCommand := &cobra.Command{
		Use:   "check",
		Short: "Loads the configuration and the plugins and reports their status.",
		Long: `Loads the configuration file and every plugin of the plugin folder.

Each plugin is executed once in a simulated process, without any frame
being drawn, and its resulting status is printed. The exit status is
non zero if the configuration is invalid or any plugin failed.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(checkCmd(newOutput(os.Stdout)))
		},
	}
	rootCommand.AddCommand(checkCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config [-list | <option> <value>...]",
		Short: "Lists or changes configuration options.",
		Long: `Lists or changes configuration options.

	overhook config -list
	overhook config toggle-key F7
	overhook config overlay-color 20,20,20,80

Changed options are written back to the configuration file.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(configCmd(os.Stdout, args))
		},
	}
	configCommand.Flags().BoolVarP(&listConfig, "list", "l", false, "List all options and their values.")
	rootCommand.AddCommand(configCommand)

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run",
		Short: "Runs the plugins in a simulated process.",
		Long: `Runs the plugins in a simulated process.

The simulated process has a code region at 0x401000, a data region at
0x500000 and presents frames at the rate given by --fps. The console
accepts commands to press keys, hit breakpoints and inspect memory. Type
'help' in the console for the list of commands.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runCmd())
		},
	}
	runCommand.Flags().IntVar(&fps, "fps", 60, "Frames presented per second.")
	runCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed by the console.")
	rootCommand.AddCommand(runCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Overhook\n%s\n", version.OverhookVersion)
			if log {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	breakpoints	Log breakpoint installation, hits and re-arming
	scripts		Log script loading, execution and callbacks
	frame		Log attachment and hotkeys of the frame driver
	watch		Log changes of the plugin folder
	loader		Log startup and shutdown

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

The enable-logging, log-output and log-dest options of the configuration
file are used when --log is not given.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// loadConfig loads the configuration file and starts logging, either as
// requested on the command line or as configured in the file.
func loadConfig() (*config.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %v", configPath, err)
	}
	logFlag, logstr, dest := log, logOutput, logDest
	if !logFlag && conf.EnableLogging {
		logFlag, logstr, dest = true, conf.LogOutput, conf.LogDest
		if dest != "" && !filepath.IsAbs(dest) {
			dest = filepath.Join(filepath.Dir(configPath), dest)
		}
	}
	if err := logflags.Setup(logFlag, logstr, dest); err != nil {
		return nil, err
	}
	return conf, nil
}

func checkCmd(out *output) int {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	lang, err := script.Lookup(conf.ScriptEngine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	dir := conf.PluginDir(configPath)
	fmt.Fprintf(out, "Plugin folder: %s (%s)\n", dir, lang.Name())

	missing, err := missingBodies(dir, lang.Ext())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	mem, kbd := newProcess()
	regs := new(proc.RegisterSnapshot)
	bm := proc.NewBreakpointManager(mem, regs, conf.RearmDelay)
	defer bm.Close()
	b := bridge.New(lang, &script.Host{
		Memory:      mem,
		Keyboard:    keys.NewTracker(kbd),
		Registers:   regs,
		Breakpoints: bm,
	})
	defer b.Close()
	bm.SetDispatcher(b)
	b.LoadAll(dir)
	b.ExecuteAll()

	status := 0
	scripts := b.Scripts()
	if len(scripts) == 0 {
		fmt.Fprintln(out, "No plugins found.")
	}
	for _, s := range scripts {
		if s.IsError() {
			status = 1
		}
		out.printScript(s)
	}
	for _, path := range missing {
		status = 1
		out.printf(styleError, "%s: no %s script body\n", filepath.Base(path), lang.Ext())
	}
	return status
}

// missingBodies returns the descriptors in dir without a script body.
func missingBodies(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var r []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != bridge.DescriptorExt {
			continue
		}
		desc := filepath.Join(dir, e.Name())
		body := strings.TrimSuffix(desc, filepath.Ext(desc)) + ext
		if _, err := os.Stat(body); err != nil {
			if _, _, derr := descriptor.ReadFile(desc); derr != nil {
				return nil, derr
			}
			r = append(r, desc)
		}
	}
	sort.Strings(r)
	return r, nil
}

func configCmd(out io.Writer, args []string) int {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if listConfig {
		config.List(out, conf)
		return 0
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "expected -list or an option and its value")
		return 1
	}
	if err := config.Set(conf, joinArgs(args)); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := config.SaveConfig(conf, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

// joinArgs joins command line arguments back into a single line, quoting
// the arguments that contain spaces.
func joinArgs(args []string) string {
	r := make([]string, len(args))
	for i, arg := range args {
		if strings.ContainsAny(arg, " \t") {
			arg = strconv.Quote(arg)
		}
		r[i] = arg
	}
	return strings.Join(r, " ")
}

func runCmd() int {
	if fps <= 0 {
		fmt.Fprintln(os.Stderr, "--fps must be positive")
		return 1
	}
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	h := newHarness(conf)
	if err := h.start(configPath, newHeadlessBackend(headlessSize), fps); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		h.stop()
		return 1
	}

	c := newConsole(h, newOutput(os.Stdout))
	status, err := c.run(initFile)
	if serr := h.stop(); serr != nil && !errors.Is(serr, errAlreadyStopped) {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", serr)
		status = 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return status
}
