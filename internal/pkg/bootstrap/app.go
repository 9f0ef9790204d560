// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/pkg/nacos"
)

const shutdownTimeout = 10 * time.Second

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// Nacos 不为 nil 时注册服务实例，关停时注销
	Nacos *nacos.Client
	// RegisterHandlers 允许服务注册自己的 HTTP 路由
	RegisterHandlers func(mux *http.ServeMux)
	// Background 是与 HTTP 服务同生命周期的后台任务，ctx 取消时应当返回
	Background []func(ctx context.Context) error
	// OnShutdown 在 HTTP 服务和所有后台任务退出后按注册的逆序执行
	OnShutdown []func(ctx context.Context)
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞直到 ctx 被取消或某个任务失败。
func StartService(ctx context.Context, info AppInfo) error {
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(mux)
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L().Info().Msgf("✅ %s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", server.Addr, err)
		}
		return nil
	})
	for _, task := range info.Background {
		task := task
		g.Go(func() error { return task(ctx) })
	}

	var ip string
	if info.Nacos != nil {
		var err error
		if ip, err = outboundIP(); err != nil {
			logger.L().Warn().Err(err).Msg("⚠️ could not resolve outbound IP, skipping nacos registration")
		} else if err := info.Nacos.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.L().Warn().Err(err).Msg("⚠️ nacos registration failed")
			ip = ""
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.L().Info().Msgf("Shutting down service %s...", info.ServiceName)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if info.Nacos != nil && ip != "" {
			if err := info.Nacos.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
				logger.L().Error().Err(err).Msg("Error deregistering from Nacos")
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.L().Error().Err(err).Msg("Error shutting down http server")
		} else {
			logger.L().Info().Msg("HTTP server shut down.")
		}
		return nil
	})

	err := g.Wait()

	// 后台任务全部退出后再释放它们依赖的资源
	hookCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(info.OnShutdown) - 1; i >= 0; i-- {
		info.OnShutdown[i](hookCtx)
	}
	logger.L().Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
	return err
}

// outboundIP 通过一次 UDP "连接" 找到默认路由使用的本机地址，不会真正发包
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
