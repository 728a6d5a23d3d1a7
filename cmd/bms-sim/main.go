package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lambdabear/powermax-b5120/internal/config"
	"github.com/lambdabear/powermax-b5120/internal/simulator"
	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

func main() {
	host := flag.String("host", "localhost:30278", "网关地址")
	mac := flag.String("mac", "00:1a:2b:3c:4d:5e", "设备MAC，多设备时依次递增")
	devices := flag.Int("devices", 1, "模拟设备数量")
	corrupt := flag.Int("corrupt", 0, "每N个响应破坏一次CRC")
	extra := flag.Int("extra", 0, "每N个响应多发一个字节")
	maxResponses := flag.Int("max", 0, "发送N个响应后断开 (0=不限)")
	dump := flag.Bool("dump", false, "只打印一轮请求/响应帧，不连接")
	debug := flag.Bool("debug", false, "输出每一帧")
	flag.Parse()

	logCfg := config.LogConfig{Level: "info", Format: "text"}
	if *debug {
		logCfg.Level = "debug"
	}
	log, _ := logCfg.NewLogger()

	base, err := parseMAC(*mac)
	if err != nil {
		log.Fatalf("MAC格式错误: %v", err)
	}

	if *dump {
		dumpCycle(simulator.NewDevice(base))
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < *devices; i++ {
		dev := simulator.NewDevice(base + protocol.DeviceIdentity(i))
		dev.Faults = simulator.Faults{
			CorruptEvery:   *corrupt,
			ExtraByteEvery: *extra,
			MaxResponses:   *maxResponses,
		}
		dev.Log = log

		wg.Add(1)
		go func() {
			defer wg.Done()
			run(*host, dev, log)
		}()
	}
	wg.Wait()
}

func run(host string, dev *simulator.Device, log *logrus.Logger) {
	conn, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		log.Errorf("设备 %s 连接失败: %v", dev.Identity, err)
		return
	}
	log.Infof("设备 %s 已连接到: %s", dev.Identity, host)

	start := time.Now()
	if err := dev.Serve(conn); err != nil {
		log.Errorf("设备 %s 异常断开: %v", dev.Identity, err)
	}
	log.Infof("设备 %s 断开, 响应 %d 条, 用时 %s", dev.Identity, dev.Responses(), time.Since(start).Round(time.Second))
}

// dumpCycle 打印一轮轮询的帧，便于对照抓包
func dumpCycle(dev *simulator.Device) {
	fmt.Printf("握手: % x\n\n", dev.Identity.Bytes())
	for _, cmd := range protocol.Commands() {
		req := cmd.Request()
		resp, err := dev.Respond(req)
		if err != nil {
			fmt.Printf("%#02x: %v\n", cmd.Code, err)
			continue
		}
		fmt.Printf("%-20s 请求: % x  响应: % x  (%s)\n", cmd.Metric, req, resp, hex.EncodeToString(resp))
	}
}

func parseMAC(s string) (protocol.DeviceIdentity, error) {
	if hw, err := net.ParseMAC(s); err == nil && len(hw) == protocol.IdentityLength {
		return protocol.IdentityFromBytes(hw)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 48)
	if err != nil {
		return 0, err
	}
	return protocol.DeviceIdentity(v), nil
}
