// Copyright 2026 The Proxyvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gdamore/proxyvisor/certstore"
	"github.com/gdamore/proxyvisor/config"
	"github.com/gdamore/proxyvisor/core"
	"github.com/gdamore/proxyvisor/proxy"
	"github.com/gdamore/proxyvisor/rest"
)

const defaultConfig = "/etc/proxyvisor/proxyvisor.yaml"

func newServeCommand() *cobra.Command {
	var (
		path  string
		name  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and proxy",
		Long: `Serve loads the configuration file, starts its tasks, and proxies
plaintext and TLS traffic according to its rules until interrupted.

The file is reread when it changes (unless --watch=false) or on SIGHUP.
A file that fails to load leaves the running configuration alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(path, name, watch)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", defaultConfig, "configuration file")
	cmd.Flags().StringVarP(&name, "name", "n", "proxyvisord", "supervisor name")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the configuration when it changes")
	return cmd
}

func newCheckCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			// Key material is only parsed by the store.
			if err := certstore.NewStore().Validate(cfg.TLS); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tasks, %d rules\n",
				path, len(cfg.Tasks), len(cfg.Rules))
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", defaultConfig, "configuration file")
	return cmd
}

func serve(path, name string, watch bool) error {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	opts := core.OptionsFrom(cfg, logger)
	opts.Name = name
	c, err := core.New(opts)
	if err != nil {
		return err
	}
	if err := c.Apply(cfg); err != nil {
		c.Shutdown(context.Background())
		return err
	}

	rl := &reloader{path: path, apply: c.Apply, logger: logger}
	rl.stop.Store(int64(cfg.StopTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = c.Listen(proxy.Options{
		HTTPAddr:      config.Addr(cfg.Listen.HTTP),
		HTTPSAddr:     config.Addr(cfg.Listen.HTTPS),
		ProxyProtocol: cfg.Listen.ProxyProtocol,
		MaxConns:      cfg.Listen.MaxConns,
	})
	if err != nil {
		c.Shutdown(context.Background())
		return err
	}

	var admin *http.Server
	errCh := make(chan error, 2)
	if addr := config.Addr(cfg.Listen.Admin); addr != "" {
		admin = &http.Server{
			Addr:              addr,
			Handler:           rest.NewHandler(c),
			ReadHeaderTimeout: time.Second * 10,
			ErrorLog:          logger,
		}
		go func() {
			logger.Printf("Admin interface on %s", addr)
			if err := admin.ListenAndServe(); err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
	}

	go func() {
		if err := c.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	if watch {
		go func() {
			err := config.Watch(ctx, path, 0, logger, rl.Apply)
			if err != nil && err != context.Canceled {
				logger.Printf("Not watching %s: %v", path, err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				rl.reload()
				continue
			}
			logger.Printf("Received %v, shutting down", sig)
			return shutdown(c, admin, rl.stopTimeout())
		case err := <-errCh:
			logger.Printf("Fatal: %v", err)
			shutdown(c, admin, rl.stopTimeout())
			return err
		}
	}
}

// reloader applies configuration files and remembers the stop timeout of
// the last one applied.
type reloader struct {
	path   string
	apply  func(*config.Config) error
	logger *log.Logger
	stop   atomic.Int64
}

func (r *reloader) Apply(cfg *config.Config) error {
	if err := r.apply(cfg); err != nil {
		return err
	}
	r.stop.Store(int64(cfg.StopTimeout))
	return nil
}

func (r *reloader) reload() {
	cfg, err := config.Load(r.path)
	if err != nil {
		r.logger.Printf("Reload rejected: %v", err)
	} else if err := r.Apply(cfg); err != nil {
		r.logger.Printf("Reload failed: %v", err)
	} else {
		r.logger.Printf("Reloaded %s", r.path)
	}
}

func (r *reloader) stopTimeout() time.Duration {
	return time.Duration(r.stop.Load())
}

func shutdown(c *core.Core, admin *http.Server, stop time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), stop+time.Second*5)
	defer cancel()
	if admin != nil {
		admin.Shutdown(ctx)
	}
	return c.Shutdown(ctx)
}
