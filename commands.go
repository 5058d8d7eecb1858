package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mech-search/internal/config"
	"mech-search/internal/db"
	"mech-search/internal/logger"
	"mech-search/internal/router"
	"mech-search/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath  string
	runPhases   []string
	batchIDs    []uint
	batchCeil   float64
	batchMax    int
	batchPhases []string

	rootCmd = &cobra.Command{
		Use:   "mech-search",
		Short: "Mechanism search orchestrator",
		Long: `mech-search 在问题空间内生成候选机制、构造测试场景、评估并用 I-Ranker 排序，
并支持快照捕获与批量回归。`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		RunE:  runServe,
	}

	runCmd = &cobra.Command{
		Use:   "run [run_id]",
		Short: "执行 run 的全流程或指定阶段",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecute,
	}

	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "快照回归",
	}

	snapshotBatchCmd = &cobra.Command{
		Use:   "batch",
		Short: "在成本上限内批量回放快照",
		RunE:  runSnapshotBatch,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "配置文件路径")

	runCmd.Flags().StringSliceVar(&runPhases, "phases", nil, "阶段列表（design,scenario_generation,evaluation,ranking），为空则全流程")

	snapshotBatchCmd.Flags().UintSliceVar(&batchIDs, "ids", nil, "快照 id 列表，为空则取最近的快照")
	snapshotBatchCmd.Flags().Float64Var(&batchCeil, "ceiling", -1, "成本上限（USD），负值表示使用配置")
	snapshotBatchCmd.Flags().IntVar(&batchMax, "max", 0, "最多回放的快照数，0 表示使用配置")
	snapshotBatchCmd.Flags().StringSliceVar(&batchPhases, "phases", nil, "回放阶段，为空则全流程")

	snapshotCmd.AddCommand(snapshotBatchCmd)
	rootCmd.AddCommand(serveCmd, runCmd, snapshotCmd)
}

// loadConfig 配置文件不存在时退回可运行的默认配置（sqlite）
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func bootstrap() (*service.ServiceContext, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	l, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InitDB(cfg); err != nil {
		return nil, nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	svc, err := service.NewServiceContext(cfg, db.DB, l)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化服务失败: %w", err)
	}
	return svc, l, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, l, err := bootstrap()
	if err != nil {
		return err
	}
	defer l.Sync()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", svc.Config.Server.Port),
		Handler: router.SetupRouter(svc),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		l.Info("服务启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("启动服务失败: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	l.Info("服务关闭中")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExecute(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("非法的 run id: %s", args[0])
	}
	phases, err := service.ParsePhases(runPhases)
	if err != nil {
		return err
	}
	svc, l, err := bootstrap()
	if err != nil {
		return err
	}
	defer l.Sync()

	run, err := svc.Pipeline.RunPhases(cmd.Context(), uint(id), phases)
	if run != nil {
		if perr := printJSON(cmd, run); perr != nil {
			return perr
		}
	}
	return err
}

func runSnapshotBatch(cmd *cobra.Command, args []string) error {
	phases, err := service.ParsePhases(batchPhases)
	if err != nil {
		return err
	}
	svc, l, err := bootstrap()
	if err != nil {
		return err
	}
	defer l.Sync()

	req := service.BatchRequest{
		SnapshotIDs:  batchIDs,
		MaxSnapshots: batchMax,
		Phases:       phases,
	}
	if batchCeil >= 0 {
		req.CostCeilingUSD = &batchCeil
	}
	report, err := svc.Snapshots.RunBatch(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
