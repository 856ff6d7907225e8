package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autobc/internal/app"
	"autobc/internal/config"
	"autobc/internal/transport/mtproto"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [-env path] [panel|sender|both|login]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "", "path to config json/yaml (optional; env only when empty)")
	flag.StringVar(&envPath, "env", ".env", "path to a .env file (optional)")
	flag.Usage = usage
	flag.Parse()

	if err := config.LoadEnvFile(envPath, isFlagSet("env")); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	arg := flag.Arg(0)
	login := arg == "login"
	if login {
		arg = string(app.ModeSender)
	}
	mode, err := app.ParseMode(arg)
	if err != nil {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(config.NewConfigManager(cfgPath), mode,
		app.WithPrompter(&mtproto.ConsolePrompter{In: os.Stdin, Out: os.Stdout}))
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if login {
		go func() {
			<-sigCh
			cancel()
		}()
		err := a.Login(ctx)
		_ = a.Store().Close()
		if err != nil {
			fmt.Println("login failed:", err)
			os.Exit(1)
		}
		fmt.Println("login ok")
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Println("exit:", err)
		os.Exit(1)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
