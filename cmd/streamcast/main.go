package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"streamcast/clients"
	"streamcast/config"
	"streamcast/log"
	"streamcast/stream"
)

const Version = "0.10.0"

func main() {
	flag.CommandLine.SetOutput(os.Stdout)
	configPathFlag := flag.String("config_path", "configs/config.yaml", "配置文件路径（YAML）。如果是目录，则默认读取该目录下的 config.yaml")
	versionFlag := flag.Bool("version", false, "输出版本并退出")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stdout, "streamcast %s\n\n", Version)
		_, _ = fmt.Fprintln(os.Stdout, "用法：")
		_, _ = fmt.Fprintln(os.Stdout, "  streamcast [--config_path <path>] [--version] [--help]")
		_, _ = fmt.Fprintln(os.Stdout, "\n参数：")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		_, _ = fmt.Fprintln(os.Stdout, Version)
		return
	}

	cfg, err := config.Load(resolveConfigPath(*configPathFlag))
	if err != nil {
		panic(err)
	}
	if err := log.Init(cfg.Logging); err != nil {
		panic(err)
	}

	for _, p := range []int{cfg.Stream.Port, cfg.Control.Port} {
		if err := checkTCPPortAvailable(p); err != nil {
			log.With(map[string]any{"port": p, "status": "tcp_port_conflict"}).WithError(err).Error("端口占用检测失败")
			panic(err)
		}
		log.With(map[string]any{"port": p, "status": "tcp_port_available"}).Info("端口占用检测通过")
	}
	if cfg.Stream.SRTPort > 0 {
		if err := checkUDPPortAvailable(cfg.Stream.SRTPort); err != nil {
			log.With(map[string]any{"port": cfg.Stream.SRTPort, "status": "udp_port_conflict"}).WithError(err).Error("端口占用检测失败")
			panic(err)
		}
		log.With(map[string]any{"port": cfg.Stream.SRTPort, "status": "udp_port_available"}).Info("端口占用检测通过")
	}

	store := clients.NewStore(cfg.Stream.ClientStore)
	if err := store.Load(); err != nil {
		log.L().WithError(err).Warn("客户端注册表加载失败，以空表启动")
	}

	srv, err := stream.NewServer(cfg, store, Version)
	if err != nil {
		panic(err)
	}
	if err := srv.Start(); err != nil {
		panic(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()

	srv.Stop()
	time.Sleep(100 * time.Millisecond)
}

func resolveConfigPath(p string) string {
	if p == "" {
		return "configs/config.yaml"
	}
	st, err := os.Stat(p)
	if err != nil {
		return p
	}
	if st.IsDir() {
		return filepath.Join(p, "config.yaml")
	}
	return p
}

// checkTCPPortAvailable 检测 TCP 端口是否可用（尝试监听并立即关闭）。
func checkTCPPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return err
	}
	_ = ln.Close()
	return nil
}

// checkUDPPortAvailable 检测 UDP 端口是否可用（尝试绑定并立即关闭）。
func checkUDPPortAvailable(port int) error {
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return err
	}
	_ = c.SetDeadline(time.Now())
	_ = c.Close()
	return nil
}

// signalContext 创建一个可被 SIGINT/SIGTERM 取消的 Context。
// 返回：
// - ctx: 监听信号并在收到信号时取消的上下文
// - cancel: 主动取消函数
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
