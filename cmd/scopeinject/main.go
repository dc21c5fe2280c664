// Command scopeinject is IN's external entry point: given a running
// pid and the path to a scope agent shared object, it hijacks one
// execution window in the target to load the object via the target's
// own dlopen, per spec.md §4.4. Exit status is 0 on success, nonzero
// otherwise; there is no structured output beyond human-readable
// diagnostic lines (spec.md §6).
package main

import (
	"fmt"
	"log"
	"os"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/stanley-fork/appscope/dbglog"
	"github.com/stanley-fork/appscope/domain"
	"github.com/stanley-fork/appscope/inject"
	"github.com/stanley-fork/appscope/loader"
	"github.com/stanley-fork/appscope/procmem"
	"github.com/stanley-fork/appscope/ptracectl"
)

const usage = `scopeinject

scopeinject loads a scope agent shared object into a running process
by attaching to it with ptrace and hijacking one execution window to
call the target's own dlopen, without stopping or restarting it.
`

// Globals populated at build time via -ldflags "-X main.version=...".
var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }

	cpuProfOn := ctx.GlobalBool("cpu-profiling")
	memProfOn := ctx.GlobalBool("memory-profiling")

	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	if cpuProfOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memProfOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}

	return prof, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "scopeinject"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("scopeinject\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				logrus.Fatalf("error opening log file %v: %v. Exiting ...", path, err)
				return err
			}
			logrus.SetOutput(f)
			log.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
			log.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option %q not recognized. Exiting ...", ctx.GlobalString("log-level"))
		}

		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:  "inject",
			Usage: "load a scope agent shared object into a running process",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "pid",
					Usage: "pid of the target process to inject into",
				},
				cli.StringFlag{
					Name:  "path",
					Usage: "path to the scope agent shared object to load into the target",
				},
			},
			Action: func(ctx *cli.Context) error {
				pid := ctx.Int("pid")
				agentPath := ctx.String("path")

				if pid <= 0 {
					return fmt.Errorf("--pid is required and must be positive")
				}
				if agentPath == "" {
					return fmt.Errorf("--path is required")
				}

				prof, err := runProfiler(ctx)
				if err != nil {
					logrus.Fatal(err)
				}
				if prof != nil {
					defer prof.Stop()
				}

				pm := procmem.NewProcMemService()
				pt := ptracectl.NewPtraceService()
				ll := loader.NewLoaderService()
				dbg := dbglog.NewDebugLineService()
				injector := inject.NewInjectorService(pm, pt, ll, dbg, loader.FindDynLoaderSymbol)

				logrus.Infof("injecting %s into pid %d", agentPath, pid)

				if err := injector.Inject(pid, agentPath); err != nil {
					if derr, ok := err.(*domain.Error); ok {
						logrus.Errorf("injection failed: %s (%s: %v)", derr.Kind, derr.Op, derr.Err)
					} else {
						logrus.Errorf("injection failed: %v", err)
					}
					return err
				}

				systemd.SdNotify(false, systemd.SdNotifyReady)
				logrus.Info("injection complete")
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
