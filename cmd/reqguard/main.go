// Command reqguard runs the request filter daemon: it owns the rule set,
// compiles it into the declarative table and answers request-time decisions
// over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/config"
	"github.com/John-Robertt/reqguard/internal/httpapi"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(healthcheckMain(os.Args[2:]))
	}

	configPath := flag.String("config", "", "YAML 配置文件路径（为空则使用默认配置）")
	listen := flag.String("listen", "", "HTTP 监听地址（覆盖配置文件中的 server.listen）")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "收到退出信号后的优雅退出等待时间")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("load config")
		}
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	log := cfg.Log.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *shutdownTimeout); err != nil {
		log.WithError(err).Fatal("reqguard exited")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger, shutdownTimeout time.Duration) error {
	app, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           httpapi.NewHandlerWithOptions(app.httpOptions(cfg)),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	log.WithField("addr", cfg.Server.Listen).Info("listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
			_ = srv.Close()
		}
		if err := app.engine.Shutdown(shCtx); err != nil {
			log.WithError(err).Warn("guard shutdown transition failed")
		}

		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func healthcheckMain(args []string) int {
	fs := flag.NewFlagSet("healthcheck", flag.ContinueOnError)
	listen := fs.String("listen", "127.0.0.1:8080", "服务监听地址或 URL")
	timeout := fs.Duration("timeout", 3*time.Second, "健康检查超时")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	u, err := deriveHealthzURL(*listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := runHealthcheck(u, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// deriveHealthzURL turns a listen address (or base URL) into the /healthz URL
// a local probe should hit. Wildcard hosts map to loopback.
func deriveHealthzURL(listen string) (string, error) {
	s := strings.TrimSpace(listen)
	if s == "" {
		return "", errors.New("empty listen address")
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid url %q", listen)
		}
		u.Path = "/healthz"
		u.RawQuery = ""
		u.Fragment = ""
		return u.String(), nil
	}
	if _, err := strconv.Atoi(s); err == nil {
		s = ":" + s
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz", nil
}

func runHealthcheck(rawURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(rawURL)
	if err != nil {
		return fmt.Errorf("healthcheck %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return nil
}
