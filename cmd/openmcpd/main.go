package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Intent/internal/agent"
	"OpenMCP-Intent/internal/api"
	"OpenMCP-Intent/internal/config"
	"OpenMCP-Intent/internal/events"
	"OpenMCP-Intent/internal/observability/metrics"
	"OpenMCP-Intent/internal/task"
	"OpenMCP-Intent/pkg/logger"
	"OpenMCP-Intent/sdk/go/openmcp"
)

var configPath string

// main 是 OpenMCP 意图守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "openmcpd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "openmcpd",
		Short:         "OpenMCP intent orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，未指定时读取 "+config.EnvConfigPath)
	root.AddCommand(newServeCmd(), newAskCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(configPath)
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg = config.Default(".")
	} else if cfg, err = config.Load(path); err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API 与任务处理器",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logStartup(cfg)
	rt, err := build(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(); err != nil {
			logger.L().Warn("释放资源失败", "error", err)
		}
	}()

	service := task.NewService(rt.taskStore, rt.queue, cfg.TaskQueue.MaxRetries)
	server := api.NewServer(cfg.Server.Address, service,
		api.WithRunner(rt.agent),
		api.WithEventSink(rt.sink),
		api.WithLogger(logger.Named("api")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(rt.processor().Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})
	if addr := strings.TrimSpace(cfg.Metrics.Address); addr != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, addr))
		})
	}
	return g.Wait()
}

func newAskCmd() *cobra.Command {
	var (
		sessionID string
		wallet    string
		server    string
		quiet     bool
	)
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "执行一次意图运行并输出事件流",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			out := json.NewEncoder(cmd.OutOrStdout())
			if server != "" {
				return askRemote(cmd, server, openmcp.AskRequest{Prompt: prompt, SessionID: sessionID, Wallet: wallet}, quiet)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			rt, err := build(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer rt.close()

			var sink events.Sink = events.SinkFunc(func(_ context.Context, e events.Event) error {
				if quiet {
					return nil
				}
				return out.Encode(e)
			})
			if rt.sink != nil {
				sink = events.MultiSink{sink, rt.sink}
			}

			result, err := rt.agent.Execute(cmd.Context(), agent.Request{
				Prompt:    prompt,
				SessionID: sessionID,
				Wallet:    wallet,
			}, sink)
			if result != nil {
				fmt.Fprintln(cmd.OutOrStdout(), result.FinalResponseText)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "会话 ID，用于加载历史与记忆")
	cmd.Flags().StringVar(&wallet, "wallet", "", "钱包地址")
	cmd.Flags().StringVar(&server, "server", "", "已运行的守护进程地址，例如 http://127.0.0.1:8080；为空时在本进程内执行")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "只输出最终回答")
	return cmd
}

// askRemote 通过 HTTP API 在已运行的守护进程上执行一次意图。
func askRemote(cmd *cobra.Command, server string, req openmcp.AskRequest, quiet bool) error {
	client, err := openmcp.NewClient(server, nil)
	if err != nil {
		return err
	}
	resp, err := client.Ask(cmd.Context(), req)
	if err != nil {
		return err
	}
	out := json.NewEncoder(cmd.OutOrStdout())
	if !quiet {
		for _, e := range resp.Events {
			if err := out.Encode(e); err != nil {
				return err
			}
		}
	}
	if resp.Result != nil {
		fmt.Fprintln(cmd.OutOrStdout(), resp.Result.FinalResponseText)
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
