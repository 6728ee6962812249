// Clipdrop is a chat-driven short-video download service.
// Copyright (C) 2026 1204al
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// The clipdrop supervisor starts the job service, the Telegram bot,
// and the worker as child processes and stops the whole set when any
// of them exits or a termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/1204al/clipdrop-bot/internal/config"
	"github.com/1204al/clipdrop-bot/internal/logging"
)

var version = "dev"

// killGrace is how long children get to exit after SIGTERM before
// they are killed.
const killGrace = 8 * time.Second

type child struct {
	name string
	cmd  *exec.Cmd
}

func main() {
	cfg := config.Load()

	var (
		host         = flag.String("host", cfg.ServiceHost, "Job service listen host")
		port         = flag.Int("port", cfg.ServicePort, "Job service listen port")
		callbackHost = flag.String("callback-host", cfg.TelegramCallbackHost, "Bot callback listen host")
		callbackPort = flag.Int("callback-port", cfg.TelegramCallbackPort, "Bot callback listen port")
		startDelay   = flag.Float64("service-start-delay", 1.2, "Seconds to wait after starting the job service before the bot and worker")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	logger := logging.NewWithFile(cfg.LogLevel(), cfg.LogFile)
	slog.SetDefault(logger.With(slog.String("component", "supervisor")))

	if cfg.TelegramBotToken == "" {
		slog.Error("Set TELEGRAM_BOT_TOKEN in environment or .env")
		os.Exit(1)
	}

	binDir, err := executableDir()
	if err != nil {
		slog.Error("Cannot locate sibling binaries", "error", err)
		os.Exit(1)
	}

	env := childEnv(os.Environ(), *host, *port, *callbackHost, *callbackPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		children []*child
		wg       sync.WaitGroup
	)
	exited := make(chan string, 3)

	start := func(name string) error {
		cmd := exec.Command(filepath.Join(binDir, name))
		cmd.Env = env
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		children = append(children, &child{name: name, cmd: cmd})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cmd.Wait(); err != nil {
				slog.Error("Process exited", "name", name, "error", err)
			} else {
				slog.Info("Process exited", "name", name)
			}
			exited <- name
		}()
		slog.Info("Started process", "name", name, "pid", cmd.Process.Pid)
		return nil
	}

	if err := start("clipdrop-api"); err != nil {
		slog.Error("Supervisor failed", "error", err)
		os.Exit(1)
	}

	// Give the service a moment to bind before its clients start.
	select {
	case <-ctx.Done():
		terminateAll(children, &wg)
		return
	case name := <-exited:
		slog.Error("Service died during startup", "name", name)
		os.Exit(1)
	case <-time.After(time.Duration(*startDelay * float64(time.Second))):
	}

	for _, name := range []string{"clipdrop-bot", "clipdrop-worker"} {
		if err := start(name); err != nil {
			slog.Error("Supervisor failed", "error", err)
			terminateAll(children, &wg)
			os.Exit(1)
		}
	}

	select {
	case <-ctx.Done():
		slog.Info("Shutting down all processes...")
	case name := <-exited:
		slog.Error("Child exited, stopping the rest", "name", name)
	}
	terminateAll(children, &wg)
}

// childEnv extends the inherited environment with the addresses every
// child needs so all three binaries agree on where the job service and
// the callback endpoint live. Clients always reach the service over
// loopback regardless of its listen host.
func childEnv(base []string, serviceHost string, servicePort int, callbackHost string, callbackPort int) []string {
	serviceURL := fmt.Sprintf("http://127.0.0.1:%d", servicePort)
	callbackURL := fmt.Sprintf("http://%s:%d/internal/job-events", callbackHost, callbackPort)
	env := make([]string, 0, len(base)+6)
	env = append(env, base...)
	return append(env,
		"SERVICE_HOST="+serviceHost,
		fmt.Sprintf("SERVICE_PORT=%d", servicePort),
		"BOT_SERVICE_URL="+serviceURL,
		"WORKER_BOT_CALLBACK_URL="+callbackURL,
		"TELEGRAM_CALLBACK_HOST="+callbackHost,
		fmt.Sprintf("TELEGRAM_CALLBACK_PORT=%d", callbackPort),
	)
}

// terminateAll sends SIGTERM to every child and escalates to SIGKILL
// for anything still alive after the grace period.
func terminateAll(children []*child, wg *sync.WaitGroup) {
	for _, c := range children {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(killGrace):
		slog.Warn("Processes still running after grace period, sending SIGKILL")
		for _, c := range children {
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
		}
		<-done
	}
}

func executableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}
