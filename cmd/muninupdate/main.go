//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// muninupdate polls a configured set of munin-node agents on a fixed
// cycle, storing what it collects in an on-disk round-robin store and
// optionally relaying it to Carbon.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/zorun/munin/muninconfig"
	"github.com/zorun/munin/muninlog"
	"github.com/zorun/munin/worker"
	"github.com/zorun/munin/workerstate"
)

var (
	buildTime, gitRevision string
)

func parseFlags() (cfgPath string, bg, once, version bool) {
	flag.StringVar(&cfgPath, "c", "/etc/muninupdate.conf", "path to config file")
	flag.BoolVar(&bg, "bg", false, "immediately background itself")
	flag.BoolVar(&once, "once", false, "poll every host once and exit, instead of cycling forever")
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Parse()
	return
}

func printVersion() {
	fmt.Println("muninupdate version:", Version)
	if buildTime != "" {
		fmt.Println("Build time:", buildTime)
	}
	if gitRevision != "" {
		fmt.Println("Git revision:", gitRevision)
	}
}

func main() {
	cfgPath, bg, once, version := parseFlags()

	if version {
		printVersion()
		return
	}

	if bg {
		if !filepath.IsAbs(cfgPath) {
			log.Fatalf("muninupdate: -bg requires an absolute -c path (got %q)", cfgPath)
		}
		if !filepath.IsAbs(os.Args[0]) {
			log.Fatalf("muninupdate: -bg requires the binary to be started with an absolute path")
		}
		log.Printf("muninupdate: backgrounding")
		if err := std2DevNull(); err != nil {
			log.Fatalf("muninupdate: %v", err)
		}
		os.Chdir("/")
		background(cfgPath, once)
		return
	}

	run(cfgPath, once)
}

func background(cfgPath string, once bool) {
	mypath, _ := filepath.Abs(os.Args[0])
	args := []string{"-c", cfgPath}
	if once {
		args = append(args, "-once")
	}
	cmd := exec.Command(mypath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		log.Fatalf("muninupdate: %v", err)
	}
}

func std2DevNull() error {
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		return err
	}
	fd := int(f.Fd())
	syscall.Dup2(fd, int(os.Stdin.Fd()))
	syscall.Dup2(fd, int(os.Stdout.Fd()))
	syscall.Dup2(fd, int(os.Stderr.Fd()))
	return nil
}

func run(cfgPath string, once bool) {
	cfg, err := muninconfig.Load(cfgPath)
	if err != nil {
		log.Fatalf("muninupdate: %v", err)
	}

	wd, _ := os.Getwd()
	if err := cfg.ProcessPidFile(wd); err != nil {
		log.Fatalf("muninupdate: %v", err)
	}
	if cfg.PidPath != "" {
		if err := writePidFile(cfg.PidPath); err != nil {
			log.Fatalf("muninupdate: %v", err)
		}
		defer os.Remove(cfg.PidPath)
	}

	var cycler *muninlog.Cycler
	if cfg.LogPath != "" {
		cycler = muninlog.NewCycler(cfg.LogPath)
		if err := cycler.Start(cfg.LogCycle.Duration); err != nil {
			log.Fatalf("muninupdate: %v", err)
		}
		defer cycler.Stop()
	}
	// Cycler.Start already pointed the standard logger at the log
	// file (or left it on stderr, if LogPath is unset); every
	// component below logs through that same standard logger.
	logger := log.Default()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			if cycler != nil {
				cycler.Cycle()
			}
		}
	}()

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, os.Interrupt)

	w, err := worker.FromConfig(cfg, logger)
	if err != nil {
		logger.Fatalf("muninupdate: %v", err)
	}

	statedir := filepath.Join(cfg.Dbdir, ".state")
	if err := os.MkdirAll(statedir, 0755); err != nil {
		logger.Fatalf("muninupdate: %v", err)
	}

	updateRateSeconds := int64(w.DefaultUpdateRate / time.Second)
	if updateRateSeconds <= 0 {
		updateRateSeconds = 300
	}

	for {
		cycleStart := time.Now()
		pollAll(w, cfg, statedir, logger)

		if once {
			return
		}

		select {
		case <-sigterm:
			logger.Printf("muninupdate: signalled, exiting")
			return
		case <-time.After(time.Duration(updateRateSeconds)*time.Second - time.Since(cycleStart)):
		}
	}
}

// pollAll runs one polling cycle across every configured host, at
// most cfg.Workers hosts in flight at once.
func pollAll(w *worker.Worker, cfg *muninconfig.Config, statedir string, logger *log.Logger) {
	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup

	for _, host := range cfg.Hosts {
		host := host
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			pollHost(w, host, statedir, logger)
		}()
	}
	wg.Wait()
}

func statePath(statedir string, host muninconfig.Host) string {
	name := host.GroupName + ";" + host.HostName + ".state"
	return filepath.Join(statedir, name)
}

func pollHost(w *worker.Worker, host muninconfig.Host, statedir string, logger *log.Logger) {
	path := statePath(statedir, host)
	state, err := workerstate.Load(path)
	if err != nil {
		logger.Printf("muninupdate: %s;%s: load state: %v", host.GroupName, host.HostName, err)
		return
	}

	result, err := w.Run(host, state)
	if err != nil {
		logger.Printf("muninupdate: %s;%s: %v", host.GroupName, host.HostName, err)
		return
	}
	logger.Printf("muninupdate: %s;%s: polled in %v", host.GroupName, host.HostName, result.Elapsed)

	if err := workerstate.Save(path, state); err != nil {
		logger.Printf("muninupdate: %s;%s: save state: %v", host.GroupName, host.HostName, err)
	}
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
