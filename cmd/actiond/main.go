package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/actiond/internal/app"
	"github.com/mattjoyce/actiond/internal/component"
	"github.com/mattjoyce/actiond/internal/config"
	"github.com/mattjoyce/actiond/internal/log"
	"github.com/mattjoyce/actiond/internal/plugin"
	"github.com/mattjoyce/actiond/internal/rest"
	"github.com/mattjoyce/actiond/internal/secrets"
	"github.com/mattjoyce/actiond/internal/selftest"
	"github.com/mattjoyce/actiond/internal/transport"
)

const version = "1.0.0"

func main() {
	config.SetResolverFactory(secrets.Factory)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runRun(args))
	case "list":
		os.Exit(runList(args))
	case "config":
		os.Exit(runConfig(args))
	case "customize":
		os.Exit(runCustomize(args))
	case "selftest":
		os.Exit(runSelftest(args))
	case "service":
		os.Exit(runService(args))
	case "version":
		fmt.Printf("actiond version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`actiond - Action message dispatcher for the SOAR platform

Usage:
  actiond <command> [flags]

Commands:
  run        Run the dispatcher in the foreground
  list       List installed components
  config     Create or update the config file skeleton
  customize  Post component customizations to the platform
  selftest   Verify connectivity and component health
  service    Manage the OS service (Windows only)
  version    Show version information
  help       Show this help message

Use 'actiond <command> --help' for command-specific flags.
`)
}

// componentList is a repeatable -l flag.
type componentList []string

func (l *componentList) String() string { return strings.Join(*l, ",") }

func (l *componentList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := fs.String("config-file", "", "Path to the config file")
	autoRestart := fs.Bool("auto-restart", false, "Restart automatically after a failure")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &app.Supervisor{ConfigPath: *configFile, AutoRestart: *autoRestart}
	if err := s.Run(ctx); err != nil {
		log.Error("actiond stopped", "error", err)
		return 1
	}
	log.Info("actiond stopped")
	return 0
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Show queues and events per component")
	configFile := fs.String("config-file", "", "Path to the config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	fmt.Println("Built-in components:")
	for _, name := range component.BuiltinNames() {
		fmt.Printf("  %s\n", name)
	}

	cfg, err := loadConfigForTool(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config not loaded, skipping external components: %v\n", err)
		return 0
	}

	externals, err := plugin.Discover(cfg.Settings.ComponentsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Component discovery failed: %v\n", err)
		return 1
	}
	if len(externals) > 0 {
		fmt.Println("External components:")
		for _, ext := range externals {
			if *verbose {
				fmt.Printf("  %s %s  queue=%s  events=%s\n",
					ext.Name, ext.Version, ext.Queue, strings.Join(ext.Events, ","))
			} else {
				fmt.Printf("  %s\n", ext.Name)
			}
		}
	}
	return 0
}

func runConfig(args []string) int {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	create := fs.Bool("create", false, "Write a new config file")
	update := fs.Bool("update", false, "Merge missing sections into an existing config file")
	var only componentList
	fs.Var(&only, "l", "Limit to the named components (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *create == *update {
		fmt.Fprintln(os.Stderr, "Usage: actiond config (--create | --update) [path] [-l component]")
		return 1
	}

	path := fs.Arg(0)
	if path == "" {
		path = config.DefaultPath()
	}

	templates, err := sectionTemplates(only)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *create {
		err = config.Generate(path, templates)
	} else {
		err = config.Update(path, templates)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", path)
	return 0
}

// sectionTemplates collects the config-section skeletons declared by
// external components, optionally limited to a name list. Builtins carry
// their defaults in code and declare only required keys.
func sectionTemplates(only []string) ([]config.SectionTemplate, error) {
	wanted := func(name string) bool {
		if len(only) == 0 {
			return true
		}
		for _, n := range only {
			if n == name {
				return true
			}
		}
		return false
	}

	var templates []config.SectionTemplate

	cfg, err := loadConfigForTool("")
	if err == nil {
		externals, err := plugin.Discover(cfg.Settings.ComponentsDir)
		if err != nil {
			return nil, err
		}
		for _, ext := range externals {
			if !wanted(ext.Name) || ext.ConfigKeys == nil {
				continue
			}
			tpl := config.SectionTemplate{Section: ext.Section}
			for _, k := range ext.ConfigKeys.Required {
				tpl.Keys = append(tpl.Keys, config.TemplateKey{Name: k, Comment: "required"})
			}
			for _, k := range ext.ConfigKeys.Optional {
				tpl.Keys = append(tpl.Keys, config.TemplateKey{Name: k})
			}
			templates = append(templates, tpl)
		}
	}

	emptyCfg := &config.Config{Main: map[string]string{}, Apps: map[string]map[string]string{}}
	comps, _ := component.BuildBuiltins(emptyCfg)
	for _, c := range comps {
		if !wanted(c.Name) || len(c.RequiredFields) == 0 {
			continue
		}
		tpl := config.SectionTemplate{Section: c.Section}
		for _, k := range c.RequiredFields {
			tpl.Keys = append(tpl.Keys, config.TemplateKey{Name: k, Comment: "required"})
		}
		templates = append(templates, tpl)
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].Section < templates[j].Section })
	return templates, nil
}

func runCustomize(args []string) int {
	fs := flag.NewFlagSet("customize", flag.ExitOnError)
	yes := fs.Bool("y", false, "Do not prompt for confirmation")
	configFile := fs.String("config-file", "", "Path to the config file")
	var only componentList
	fs.Var(&only, "l", "Limit to the named components (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfigForTool(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Settings.LogLevel)

	comps, errs := component.BuildBuiltins(cfg)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	var pending []*component.Component
	for _, c := range comps {
		if len(only) > 0 && !contains(only, c.Name) {
			continue
		}
		if len(c.Customizations) > 0 {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		fmt.Println("Nothing to customize.")
		return 0
	}

	for _, c := range pending {
		fmt.Printf("%s:\n", c.Name)
		for _, cust := range c.Customizations {
			fmt.Printf("  %s (%s)\n", cust.Description, cust.Path)
		}
	}
	if !*yes && !confirm("Post these customizations to the platform?") {
		fmt.Println("Aborted.")
		return 1
	}

	ctx := context.Background()
	client, err := restClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := client.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		return 1
	}

	failures := 0
	for _, c := range pending {
		for _, cust := range c.Customizations {
			err := client.Post(ctx, cust.Path, cust.Payload, nil)
			switch {
			case err == nil:
				fmt.Printf("Created: %s\n", cust.Description)
			case isConflict(err):
				fmt.Printf("Already present: %s\n", cust.Description)
			default:
				fmt.Fprintf(os.Stderr, "Failed: %s: %v\n", cust.Description, err)
				failures++
			}
		}
	}
	if failures > 0 {
		return 1
	}
	return 0
}

func isConflict(err error) bool {
	var he *rest.HTTPError
	return errors.As(err, &he) && he.StatusCode == 409
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func runSelftest(args []string) int {
	fs := flag.NewFlagSet("selftest", flag.ExitOnError)
	printEnv := fs.Bool("print-env", false, "Print a sanitized environment report and exit")
	configFile := fs.String("config-file", "", "Path to the config file")
	var only componentList
	fs.Var(&only, "l", "Limit component selftests to the named components (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfigForTool(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return selftest.ExitAppFailure
	}
	log.Setup(cfg.Settings.LogLevel)
	set := cfg.Settings

	if *printEnv {
		printEnvironment(cfg)
		return selftest.ExitOK
	}

	client, err := restClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return selftest.ExitRESTGeneric
	}

	comps, errs := component.BuildBuiltins(cfg)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	runner := &selftest.Runner{
		Rest:       client,
		Components: comps,
		Only:       only,
		Timeout:    selftestTimeout(set),
		CheckSTOMP: func(ctx context.Context) error {
			tr := transport.New(app.StompOptions(set))
			// subscribe the installed queues so read authorization is
			// actually exercised, not just the login
			for _, c := range comps {
				if c.Queue == "" {
					continue
				}
				dest := transport.QueueDestination(client.OrgID(), c.Queue)
				if c.Inbound {
					dest = transport.InboundDestination(client.OrgID(), c.Queue)
				}
				if err := tr.Subscribe(c.Queue, dest); err != nil {
					return err
				}
			}
			return selftest.ObserveSubscription(ctx, tr)
		},
	}
	if set.PAMType != "" {
		resolver, err := secrets.New(set.PAMType)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return selftest.ExitAppFailure
		}
		runner.Resolver = resolver
	}

	code := runner.Run(context.Background())
	if code == selftest.ExitOK {
		fmt.Println("selftest: OK")
	} else {
		fmt.Fprintf(os.Stderr, "selftest: FAILED (exit code %d)\n", code)
	}
	return code
}

// printEnvironment dumps a support-friendly summary. Credentials never
// appear; presence is reported instead.
func printEnvironment(cfg *config.Config) {
	set := cfg.Settings
	fmt.Printf("actiond version:   %s\n", version)
	fmt.Printf("go runtime:        %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Printf("config file:       %s\n", cfg.Path)
	fmt.Printf("host:              %s:%d\n", set.Host, set.Port)
	fmt.Printf("stomp:             %s:%d\n", set.StompHost, set.StompPort)
	fmt.Printf("org:               %s\n", set.Org)
	fmt.Printf("auth:              %s\n", authKind(set))
	fmt.Printf("cafile:            %s\n", set.CAFile)
	fmt.Printf("componentsdir:     %s\n", set.ComponentsDir)
	fmt.Printf("pam_type:          %s\n", set.PAMType)
	fmt.Printf("log level:         %s\n", set.LogLevel)
	fmt.Printf("builtin components: %s\n", strings.Join(component.BuiltinNames(), ", "))
	for _, key := range []string{config.EnvConfigFile, config.EnvLockFile, config.EnvSubscriptionQueue, "HTTPS_PROXY", "NO_PROXY"} {
		if v := os.Getenv(key); v != "" {
			fmt.Printf("%s=%s\n", key, v)
		}
	}
}

func authKind(set config.Settings) string {
	if set.APIKeyID != "" && set.APIKeySecret != "" {
		return "api key (" + set.APIKeyID + ")"
	}
	if set.Email != "" {
		return "user (" + set.Email + ")"
	}
	return "none configured"
}

func selftestTimeout(set config.Settings) time.Duration {
	return time.Duration(set.SelftestTimeout) * time.Second
}

func runService(args []string) int {
	fmt.Fprintf(os.Stderr, "service management is only available on Windows (current platform: %s)\n", runtime.GOOS)
	return 1
}

func restClient(cfg *config.Config) (rest.Client, error) {
	set := cfg.Settings
	return rest.NewHTTPClient(rest.Options{
		BaseURL:      baseURL(set),
		Org:          set.Org,
		Email:        set.Email,
		Password:     set.Password,
		APIKeyID:     set.APIKeyID,
		APIKeySecret: set.APIKeySecret,
		CAFile:       set.CAFile,
	})
}

func baseURL(set config.Settings) string {
	if set.Port > 0 {
		return fmt.Sprintf("https://%s:%d", set.Host, set.Port)
	}
	return fmt.Sprintf("https://%s", set.Host)
}

func loadConfigForTool(path string) (*config.Config, error) {
	return config.Load(path, config.LoadOptions{})
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
